package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/lastnameswayne/pybox/image"
)

var runcConfigTemplateStr = `{
    "ociVersion": "1.2.0",
    "process": {
        "terminal": false,
        "user": {
            "uid": 0,
            "gid": 0
        },
        "args": %s,
        "env": %s,
        "cwd": %s,
        "capabilities": {
            "bounding": [
                "CAP_AUDIT_WRITE",
                "CAP_KILL",
                "CAP_NET_BIND_SERVICE"
            ],
            "effective": [
                "CAP_AUDIT_WRITE",
                "CAP_KILL",
                "CAP_NET_BIND_SERVICE"
            ],
            "permitted": [
                "CAP_AUDIT_WRITE",
                "CAP_KILL",
                "CAP_NET_BIND_SERVICE"
            ]
        },
        "rlimits": [
            {
                "type": "RLIMIT_NOFILE",
                "hard": 1024,
                "soft": 1024
            }
        ],
        "noNewPrivileges": true
    },
    "root": {
        "path": %s,
        "readonly": %t
    },
    "hostname": "pybox",
    "mounts": [
        {
            "destination": "/proc",
            "type": "proc",
            "source": "proc"
        },
        {
            "destination": "/dev",
            "type": "tmpfs",
            "source": "tmpfs",
            "options": ["nosuid", "strictatime", "mode=755", "size=65536k"]
        },
        {
            "destination": "/dev/pts",
            "type": "devpts",
            "source": "devpts",
            "options": ["nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"]
        },
        {
            "destination": "/dev/shm",
            "type": "tmpfs",
            "source": "shm",
            "options": ["nosuid", "noexec", "nodev", "mode=1777", "size=65536k"]
        },
        {
            "destination": "/tmp",
            "type": "tmpfs",
            "source": "tmpfs",
            "options": ["nosuid", "nodev", "mode=1777"]
        },
        {
            "destination": "/sys",
            "type": "sysfs",
            "source": "sysfs",
            "options": ["nosuid", "noexec", "nodev", "ro"]
        }
    ],
    "linux": {
        "resources": {
            "memory": {
                "limit": %d,
                "swap": %d
            },
            "cpu": {
                "quota": 100000,
                "period": 100000
            },
            "pids": {
                "limit": %d
            },
            "devices": [
                {
                    "allow": false,
                    "access": "rwm"
                }
            ]
        },
        "namespaces": [
            {"type": "pid"},
            {"type": "network"},
            {"type": "ipc"},
            {"type": "uts"},
            {"type": "mount"},
            {"type": "cgroup"}
        ],
        "maskedPaths": [
            "/proc/acpi",
            "/proc/kcore",
            "/proc/keys",
            "/proc/latency_stats",
            "/proc/timer_list",
            "/proc/sched_debug",
            "/sys/firmware"
        ],
        "readonlyPaths": [
            "/proc/bus",
            "/proc/fs",
            "/proc/irq",
            "/proc/sys",
            "/proc/sysrq-trigger"
        ]
    }
}
`

const (
	_defaultMemoryLimit = 1 << 30
	_defaultPidsLimit   = 128
)

// RuncRunner runs the entrypoint inside an OCI container with runc.
type RuncRunner struct {
	Runc        string // runc binary, defaults to runc
	Sudo        bool
	ReadOnly    bool // set for FUSE-served roots
	MemoryLimit int64
	PidsLimit   int
	Timeout     time.Duration
}

func (r *RuncRunner) config(spec Spec) ([]byte, error) {
	argv := spec.Command()
	if len(argv) == 0 {
		return nil, ErrNoEntrypoint
	}

	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "TERM=xterm"}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+spec.Env[k])
	}
	env = append(env, "PYTHONPATH="+image.SitePackages)

	cwd := spec.Image.Workdir
	if cwd == "" {
		cwd = "/"
	}
	rootfs, err := filepath.Abs(spec.Rootfs)
	if err != nil {
		return nil, err
	}

	memory := r.MemoryLimit
	if memory == 0 {
		memory = _defaultMemoryLimit
	}
	pids := r.PidsLimit
	if pids == 0 {
		pids = _defaultPidsLimit
	}

	quote := func(v any) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	return []byte(fmt.Sprintf(runcConfigTemplateStr,
		quote(argv), quote(env), quote(cwd), quote(rootfs), r.ReadOnly,
		memory, memory, pids)), nil
}

func (r *RuncRunner) command(ctx context.Context, args ...string) *exec.Cmd {
	runc := r.Runc
	if runc == "" {
		runc = "runc"
	}
	if r.Sudo {
		return exec.CommandContext(ctx, "sudo", append([]string{runc}, args...)...)
	}
	return exec.CommandContext(ctx, runc, args...)
}

func (r *RuncRunner) Run(ctx context.Context, spec Spec) (int, error) {
	config, err := r.config(spec)
	if err != nil {
		return 0, err
	}

	// a per-run bundle directory so concurrent runs don't share config.json
	bundleDir, err := os.MkdirTemp("", "runc-bundle-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create bundle dir: %w", err)
	}
	defer os.RemoveAll(bundleDir)

	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), config, 0644); err != nil {
		return 0, fmt.Errorf("failed to write config: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	containerID := fmt.Sprintf("pybox-%d", time.Now().UnixNano())
	cmd := r.command(ctx, "run", "--bundle", bundleDir, containerID)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	runErr := cmd.Run()
	r.command(context.Background(), "delete", "--force", containerID).Run()
	return exitCode(runErr)
}

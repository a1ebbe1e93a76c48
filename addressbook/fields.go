// Package addressbook is the contact book behind the assistant bot: validated
// fields, records, birthday lookups, SQLite persistence and the command loop.
package addressbook

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Validation errors. Their text is shown to the user as is.
var (
	ErrInvalidName     = errors.New("Name must contain only letters and cannot be empty.")
	ErrInvalidPhone    = errors.New("Phone number must contain 10 digits.")
	ErrInvalidBirthday = errors.New("Invalid date format. Use DD.MM.YYYY")
)

const birthdayLayout = "02.01.2006"

type Name string

// NewName accepts letters and spaces, with at least one letter.
func NewName(value string) (Name, error) {
	if strings.TrimSpace(value) == "" {
		return "", ErrInvalidName
	}
	for _, r := range value {
		if r != ' ' && !unicode.IsLetter(r) {
			return "", ErrInvalidName
		}
	}
	return Name(value), nil
}

type Phone string

func NewPhone(value string) (Phone, error) {
	if len(value) != 10 {
		return "", ErrInvalidPhone
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	return Phone(value), nil
}

// Birthday is a calendar date in UTC.
type Birthday struct {
	time.Time
}

// ParseBirthday reads DD.MM.YYYY; day and month may have one digit.
func ParseBirthday(value string) (Birthday, error) {
	parts := strings.Split(value, ".")
	if len(parts) != 3 || len(parts[0]) > 2 || len(parts[1]) > 2 || len(parts[2]) != 4 {
		return Birthday{}, ErrInvalidBirthday
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") {
			return Birthday{}, ErrInvalidBirthday
		}
		nums[i] = n
	}
	day, month, year := nums[0], nums[1], nums[2]
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return Birthday{}, ErrInvalidBirthday
	}
	return Birthday{t}, nil
}

// String is the ISO form used in contact listings.
func (b Birthday) String() string {
	return b.Format("2006-01-02")
}

// Display is the DD.MM.YYYY form used in birthday messages.
func (b Birthday) Display() string {
	return b.Format(birthdayLayout)
}

// Next returns the first occurrence of the birthday on or after today.
// Feb 29 falls on Mar 1 in common years.
func (b Birthday) Next(today time.Time) time.Time {
	today = truncateDay(today)
	next := time.Date(today.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	if next.Before(today) {
		next = time.Date(today.Year()+1, b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	}
	return next
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

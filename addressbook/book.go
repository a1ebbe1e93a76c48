package addressbook

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Record struct {
	Name     Name
	Phones   []Phone
	Birthday *Birthday
}

func NewRecord(name string) (*Record, error) {
	n, err := NewName(name)
	if err != nil {
		return nil, err
	}
	return &Record{Name: n}, nil
}

func (r *Record) String() string {
	phones := make([]string, len(r.Phones))
	for i, p := range r.Phones {
		phones[i] = string(p)
	}
	s := fmt.Sprintf("Contact name: %s, phones: %s", r.Name, strings.Join(phones, "; "))
	if r.Birthday != nil {
		s += fmt.Sprintf(", birthday: %s", r.Birthday)
	}
	return s
}

func (r *Record) AddPhone(phone string) error {
	p, err := NewPhone(phone)
	if err != nil {
		return err
	}
	r.Phones = append(r.Phones, p)
	return nil
}

func (r *Record) RemovePhone(phone string) {
	kept := r.Phones[:0]
	for _, p := range r.Phones {
		if string(p) != phone {
			kept = append(kept, p)
		}
	}
	r.Phones = kept
}

// EditPhone replaces every occurrence of oldPhone. The new number is
// validated first, so a bad number changes nothing.
func (r *Record) EditPhone(oldPhone, newPhone string) error {
	p, err := NewPhone(newPhone)
	if err != nil {
		return err
	}
	for i := range r.Phones {
		if string(r.Phones[i]) == oldPhone {
			r.Phones[i] = p
		}
	}
	return nil
}

func (r *Record) FindPhone(phone string) (Phone, bool) {
	for _, p := range r.Phones {
		if string(p) == phone {
			return p, true
		}
	}
	return "", false
}

func (r *Record) SetBirthday(value string) error {
	b, err := ParseBirthday(value)
	if err != nil {
		return err
	}
	r.Birthday = &b
	return nil
}

// Book holds records by name, in insertion order.
type Book struct {
	records map[Name]*Record
	order   []Name
}

func NewBook() *Book {
	return &Book{records: map[Name]*Record{}}
}

// Add stores r, replacing a record with the same name in place.
func (b *Book) Add(r *Record) {
	if _, ok := b.records[r.Name]; !ok {
		b.order = append(b.order, r.Name)
	}
	b.records[r.Name] = r
}

func (b *Book) Find(name string) *Record {
	return b.records[Name(name)]
}

func (b *Book) Delete(name string) {
	if _, ok := b.records[Name(name)]; !ok {
		return
	}
	delete(b.records, Name(name))
	for i, n := range b.order {
		if n == Name(name) {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Book) Len() int {
	return len(b.order)
}

func (b *Book) Records() []*Record {
	out := make([]*Record, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, b.records[n])
	}
	return out
}

// UpcomingBirthdays returns the records whose next birthday falls within
// days of today, inclusive, soonest first.
func (b *Book) UpcomingBirthdays(today time.Time, days int) []*Record {
	today = truncateDay(today)
	limit := today.AddDate(0, 0, days)

	type upcoming struct {
		record *Record
		date   time.Time
	}
	found := []upcoming{}
	for _, r := range b.Records() {
		if r.Birthday == nil {
			continue
		}
		next := r.Birthday.Next(today)
		if !next.After(limit) {
			found = append(found, upcoming{r, next})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].date.Before(found[j].date) })

	out := make([]*Record, len(found))
	for i, u := range found {
		out[i] = u.record
	}
	return out
}

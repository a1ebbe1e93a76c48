package addressbook

import (
	"fmt"
	"strings"
)

// UpcomingDays is the window of the birthdays command.
const UpcomingDays = 7

// ParseInput splits a line into a lowercased command and its arguments.
func ParseInput(line string) (string, []string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.ToLower(parts[0]), parts[1:]
}

func AddContact(args []string, book *Book) string {
	if len(args) < 2 {
		return "Please provide a name and a phone number."
	}
	name, phone := args[0], args[1]

	record := book.Find(name)
	message := "Contact updated."
	if record == nil {
		r, err := NewRecord(name)
		if err != nil {
			return err.Error()
		}
		record = r
		message = "Contact added."
	}
	// a rejected phone leaves the book unchanged
	if err := record.AddPhone(phone); err != nil {
		return err.Error()
	}
	book.Add(record)
	return message
}

// ChangePhone replaces the first phone number of a contact.
func ChangePhone(args []string, book *Book) string {
	if len(args) < 2 {
		return "Please provide a name and a new phone number."
	}
	name, newPhone := args[0], args[1]
	record := book.Find(name)
	if record == nil {
		return "Contact not found."
	}
	if len(record.Phones) == 0 {
		return fmt.Sprintf("Contact %s has no phone number to change.", name)
	}
	if err := record.EditPhone(string(record.Phones[0]), newPhone); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Phone number for %s updated.", name)
}

func ShowPhone(args []string, book *Book) string {
	if len(args) < 1 {
		return "Please provide a name."
	}
	name := args[0]
	record := book.Find(name)
	if record == nil {
		return "Contact not found."
	}
	phones := make([]string, len(record.Phones))
	for i, p := range record.Phones {
		phones[i] = string(p)
	}
	return fmt.Sprintf("%s's phone number(s): %s", name, strings.Join(phones, ", "))
}

func AddBirthday(args []string, book *Book) string {
	if len(args) < 2 {
		return "Please provide a name and a birthday."
	}
	name, birthday := args[0], args[1]
	record := book.Find(name)
	if record == nil {
		return "Contact not found."
	}
	if err := record.SetBirthday(birthday); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Birthday added to contact %s.", name)
}

func ShowBirthday(args []string, book *Book) string {
	if len(args) < 1 {
		return "Please provide a name."
	}
	name := args[0]
	record := book.Find(name)
	if record == nil || record.Birthday == nil {
		return "Contact not found or birthday not set."
	}
	return fmt.Sprintf("%s's birthday is %s.", name, record.Birthday.Display())
}

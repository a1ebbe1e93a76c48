package addressbook

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// UI is how the assistant talks to its user.
type UI interface {
	DisplayMessage(message string)
	DisplayAllContacts(records []*Record)
	DisplayUpcomingBirthdays(records []*Record)
	// Input returns io.EOF once the user has nothing more to say.
	Input(prompt string) (string, error)
	ShowAvailableCommands()
}

type ConsoleUI struct {
	in  *bufio.Reader
	out io.Writer
}

func NewConsoleUI(in io.Reader, out io.Writer) *ConsoleUI {
	return &ConsoleUI{in: bufio.NewReader(in), out: out}
}

func (c *ConsoleUI) DisplayMessage(message string) {
	fmt.Fprintln(c.out, message)
}

func (c *ConsoleUI) DisplayAllContacts(records []*Record) {
	for _, r := range records {
		fmt.Fprintln(c.out, r)
	}
}

func (c *ConsoleUI) DisplayUpcomingBirthdays(records []*Record) {
	if len(records) == 0 {
		fmt.Fprintln(c.out, "No birthdays in the next week.")
		return
	}
	fmt.Fprintln(c.out, "Upcoming birthdays:")
	for _, r := range records {
		fmt.Fprintf(c.out, "%s: %s\n", r.Name, r.Birthday.Display())
	}
}

func (c *ConsoleUI) Input(prompt string) (string, error) {
	fmt.Fprint(c.out, prompt)
	line, err := c.in.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	return strings.TrimRight(line, "\r\n"), err
}

func (c *ConsoleUI) ShowAvailableCommands() {
	fmt.Fprint(c.out, `Available commands:
hello - Display greeting message
add <name> <phone> - Add a new contact
change <name> <new_phone> - Change an existing contact's phone number
phone <name> - Show phone number of a contact
all - Show all contacts
add-birthday <name> <birthday> - Add birthday to a contact
show-birthday <name> - Show birthday of a contact
birthdays - Show upcoming birthdays in the next week
close or exit - Exit the program
`)
}

// Assistant is the command loop over a book.
type Assistant struct {
	Book *Book
	UI   UI
	Save func(*Book) error
	Now  func() time.Time
}

// Run greets the user and handles commands until close, exit or end of
// input, then saves the book.
func (a *Assistant) Run() error {
	now := a.Now
	if now == nil {
		now = time.Now
	}

	a.UI.DisplayMessage("Welcome to the assistant bot!")
	for {
		line, err := a.UI.Input("Enter a command: ")
		if err == io.EOF {
			a.UI.DisplayMessage("Good bye!")
			return a.save()
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			a.UI.DisplayMessage("Please enter a command.")
			continue
		}

		command, args := ParseInput(line)
		switch command {
		case "close", "exit":
			a.UI.DisplayMessage("Good bye!")
			return a.save()
		case "hello":
			a.UI.DisplayMessage("How can I help you?")
		case "add":
			a.UI.DisplayMessage(AddContact(args, a.Book))
		case "change":
			a.UI.DisplayMessage(ChangePhone(args, a.Book))
		case "phone":
			a.UI.DisplayMessage(ShowPhone(args, a.Book))
		case "all":
			a.UI.DisplayAllContacts(a.Book.Records())
		case "add-birthday":
			a.UI.DisplayMessage(AddBirthday(args, a.Book))
		case "show-birthday":
			a.UI.DisplayMessage(ShowBirthday(args, a.Book))
		case "birthdays":
			a.UI.DisplayUpcomingBirthdays(a.Book.UpcomingBirthdays(now(), UpcomingDays))
		default:
			a.UI.DisplayMessage("Invalid command.")
			a.UI.ShowAvailableCommands()
		}
	}
}

func (a *Assistant) save() error {
	if a.Save == nil {
		return nil
	}
	return a.Save(a.Book)
}

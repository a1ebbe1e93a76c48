package main

import (
	"log"
	"os"

	"github.com/lastnameswayne/pybox/addressbook"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "assistant",
		Usage: "an address book assistant bot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "book",
				Usage:   "address book file",
				Value:   addressbook.DefaultPath,
				EnvVars: []string{"ASSISTANT_BOOK"},
			},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.String("book")
			book, err := addressbook.Load(path)
			if err != nil {
				return err
			}
			a := &addressbook.Assistant{
				Book: book,
				UI:   addressbook.NewConsoleUI(os.Stdin, os.Stdout),
				Save: func(b *addressbook.Book) error { return addressbook.Save(b, path) },
			}
			return a.Run()
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

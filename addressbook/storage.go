package addressbook

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultPath = "addressbook.db"

const schema = `
	CREATE TABLE IF NOT EXISTS contacts (
		position INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		birthday TEXT
	)`

const phonesSchema = `
	CREATE TABLE IF NOT EXISTS phones (
		contact INTEGER NOT NULL,
		position INTEGER NOT NULL,
		phone TEXT NOT NULL,
		PRIMARY KEY (contact, position)
	)`

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{schema, phonesSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Load reads the book at path. A missing file is an empty book.
func Load(path string) (*Book, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return NewBook(), nil
	}
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	book := NewBook()
	byPosition := map[int64]*Record{}

	rows, err := db.Query("SELECT position, name, COALESCE(birthday, '') FROM contacts ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var position int64
		var name, birthday string
		if err := rows.Scan(&position, &name, &birthday); err != nil {
			return nil, err
		}
		r := &Record{Name: Name(name)}
		if birthday != "" {
			t, err := time.Parse("2006-01-02", birthday)
			if err != nil {
				return nil, fmt.Errorf("contact %s: %w", name, err)
			}
			r.Birthday = &Birthday{t}
		}
		book.Add(r)
		byPosition[position] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	phones, err := db.Query("SELECT contact, phone FROM phones ORDER BY contact, position")
	if err != nil {
		return nil, err
	}
	defer phones.Close()
	for phones.Next() {
		var contact int64
		var phone string
		if err := phones.Scan(&contact, &phone); err != nil {
			return nil, err
		}
		if r, ok := byPosition[contact]; ok {
			r.Phones = append(r.Phones, Phone(phone))
		}
	}
	return book, phones.Err()
}

// Save replaces the stored book at path with b.
func Save(b *Book, path string) error {
	db, err := open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM phones"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM contacts"); err != nil {
		return err
	}
	for i, r := range b.Records() {
		var birthday any
		if r.Birthday != nil {
			birthday = r.Birthday.String()
		}
		if _, err := tx.Exec("INSERT INTO contacts (position, name, birthday) VALUES (?, ?, ?)", i, string(r.Name), birthday); err != nil {
			return err
		}
		for j, p := range r.Phones {
			if _, err := tx.Exec("INSERT INTO phones (contact, position, phone) VALUES (?, ?, ?)", i, j, string(p)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

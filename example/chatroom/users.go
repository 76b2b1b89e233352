// Package chatroom is an end-to-end demo application: it wires the
// descriptor registry, router, gorillatransport, strictvalidator,
// localindex topics, tokenbucket rate limiting, and authmw JWT auth into
// a small running chat server. It plays the role example/hackernews and
// example/starwars play for the teacher repo: a minimal but complete and
// runnable composition of the library's own pieces.
package chatroom

import (
	"errors"
	"math/rand"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// User is a registered chat account. Grounded on example/hackernews's
// User/Signup/Login, replacing its GraphQL resolver signatures with plain
// functions this package's HTTP login endpoint calls directly.
type User struct {
	ID       string
	Name     string
	Email    string
	password string
}

// Store is an in-memory user directory; a real deployment would back this
// with a database.
type Store struct {
	byEmail map[string]*User
}

// NewStore returns an empty user directory.
func NewStore() *Store {
	return &Store{byEmail: make(map[string]*User)}
}

// Signup creates a new account, hashing password with bcrypt exactly as
// example/hackernews/user.go does.
func (s *Store) Signup(email, password, name string) (*User, error) {
	if _, exists := s.byEmail[email]; exists {
		return nil, errors.New("email already registered")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &User{ID: uniqueUserID(s.byEmail), Name: name, Email: email, password: string(hash)}
	s.byEmail[email] = u
	return u, nil
}

// Login authenticates a user by email/password.
func (s *Store) Login(email, password string) (*User, error) {
	u, ok := s.byEmail[email]
	if !ok {
		return nil, errors.New("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.password), []byte(password)); err != nil {
		return nil, errors.New("invalid email or password")
	}
	return u, nil
}

func uniqueUserID(m map[string]*User) string {
	for {
		id := "U" + strconv.Itoa(rand.Int())
		found := false
		for _, u := range m {
			if u.ID == id {
				found = true
				break
			}
		}
		if !found {
			return id
		}
	}
}

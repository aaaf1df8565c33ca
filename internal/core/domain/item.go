package domain

import (
	"fmt"
	"time"
)

// Identity is an account identifier such as "seller.near".
type Identity string

func (i Identity) String() string { return string(i) }

// ItemID is assigned as catalog size + 1 and never reused.
type ItemID uint64

type Genre string

const (
	GenreGames         Genre = "games"
	GenreEntertainment Genre = "entertainment"
)

// ParseGenre matches a genre name ignoring ASCII case. The input is taken
// as is: surrounding spaces or non-ASCII letters never match.
func ParseGenre(s string) (Genre, error) {
	if s == "" {
		return "", ErrEmptyGenre
	}
	switch {
	case equalFoldASCII(s, string(GenreGames)):
		return GenreGames, nil
	case equalFoldASCII(s, string(GenreEntertainment)):
		return GenreEntertainment, nil
	}
	return "", fmt.Errorf("%w, got %q", ErrInvalidGenre, s)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// Item is a published app. Items are immutable once stored.
type Item struct {
	ID          ItemID    `json:"id"`
	Title       string    `json:"title"`
	Genre       Genre     `json:"genre"`
	Price       Amount    `json:"price"`
	PublishedAt time.Time `json:"published_at"`
	Publisher   Identity  `json:"publisher"`
}

package posts

import (
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

var loremWords = strings.Fields(`lorem ipsum dolor sit amet consectetur adipiscing elit sed do
eiusmod tempor incididunt ut labore et dolore magna aliqua enim ad minim veniam quis
nostrud exercitation ullamco laboris nisi aliquip ex ea commodo consequat duis aute irure
in reprehenderit voluptate velit esse cillum fugiat nulla pariatur excepteur sint occaecat
cupidatat non proident sunt culpa qui officia deserunt mollit anim id est laborum`)

// Synthesize returns a random create event in the shape the original demo
// publisher emitted: a short title, a paragraph of content, a random author.
func Synthesize() Event {
	return Event{
		Action:    ActionCreate,
		Title:     sentence(3 + rand.IntN(4)),
		Content:   paragraph(2 + rand.IntN(3)),
		AuthorID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
}

func sentence(words int) string {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = loremWords[rand.IntN(len(loremWords))]
	}
	s := strings.Join(parts, " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

func paragraph(sentences int) string {
	parts := make([]string, sentences)
	for i := range parts {
		parts[i] = sentence(6+rand.IntN(8)) + "."
	}
	return strings.Join(parts, " ")
}

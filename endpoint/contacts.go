package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Contact is one entry of the operator-managed dial list behind the
// control surface's set_contacts/next_contact/prev_contact operations.
// Display of this list is explicitly out of scope; Endpoint only tracks
// the list and a selection cursor for connect_to/start to dial against.
type Contact struct {
	Name string
	Host string
	Port int
}

// contactBook is the cursor-addressable contact list. Zero value is an
// empty book with no current selection.
type contactBook struct {
	mu       sync.Mutex
	entries  []Contact
	selected int
}

// parseContacts parses a csv of "name@host:port" entries, per
// spec.md §6's set_contacts(csv) control operation.
func parseContacts(csv string) ([]Contact, error) {
	var out []Contact
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}

		name, hostport, ok := strings.Cut(tok, "@")
		if !ok {
			return nil, fmt.Errorf("endpoint: contact %q missing name@host:port", tok)
		}

		host, portStr, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("endpoint: contact %q: %w", tok, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint: contact %q: invalid port: %w", tok, err)
		}

		out = append(out, Contact{Name: name, Host: host, Port: port})
	}
	return out, nil
}

func (b *contactBook) setContacts(entries []Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = entries
	b.selected = 0
}

func (b *contactBook) current() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Contact{}, false
	}
	return b.entries[b.selected], true
}

func (b *contactBook) next() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Contact{}, false
	}
	b.selected = (b.selected + 1) % len(b.entries)
	return b.entries[b.selected], true
}

func (b *contactBook) prev() (Contact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Contact{}, false
	}
	b.selected = (b.selected - 1 + len(b.entries)) % len(b.entries)
	return b.entries[b.selected], true
}

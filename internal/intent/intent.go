// Package intent maps free-text user input to the set of tool domains
// it plausibly needs. Matching is keyword driven and deterministic.
package intent

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// inviteKeywords trigger the invite flow in both English and Indonesian.
var inviteKeywords = []string{"invite", "invitation", "undang", "undangan"}

// domainKeywords maps each provider domain to the phrases that imply it.
// Single words match on word boundaries; multi-word phrases match as
// substrings.
var domainKeywords = map[string][]string{
	"mail": {
		"gmail", "email", "mail", "inbox", "unread", "label", "subject",
		"kirim email", "send email", "reply email",
	},
	"calendar": {
		"calendar", "agenda", "event", "meeting", "appointment", "schedule",
		"jadwal", "acara", "reminder",
	},
	"contacts": {
		"contacts", "contact", "kontak", "phone number", "nomor", "address book",
	},
	"drive": {
		"drive", "gdrive", "google drive", "file", "folder", "upload",
		"download", "share file", "shared link", "permission",
	},
	"maps": {
		"maps", "google maps", "direction", "route", "rute", "lokasi",
		"location", "address", "alamat", "place", "nearby", "distance", "jarak",
	},
}

var wordBoundaryCache = buildWordBoundaryCache()

func buildWordBoundaryCache() map[string]*regexp.Regexp {
	cache := make(map[string]*regexp.Regexp)
	for _, keywords := range domainKeywords {
		for _, keyword := range keywords {
			if strings.Contains(keyword, " ") {
				continue
			}
			cache[keyword] = regexp.MustCompile(`\b` + regexp.QuoteMeta(keyword) + `\b`)
		}
	}
	return cache
}

// containsKeyword reports whether text mentions keyword. Single words
// require word boundaries so that "mail" does not fire on "mailbox"
// being part of another token like "blackmail".
func containsKeyword(lowered, keyword string) bool {
	if keyword == "" {
		return false
	}
	key := strings.ToLower(keyword)
	if strings.Contains(key, " ") {
		return strings.Contains(lowered, key)
	}
	if re, ok := wordBoundaryCache[key]; ok {
		return re.MatchString(lowered)
	}
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(key) + `\b`).MatchString(lowered)
}

// Domains returns the set of provider domains the message asks about.
// An empty set means the intent was ambiguous and the full catalog
// should stay visible.
func Domains(text string) map[string]bool {
	lowered := strings.ToLower(text)
	requested := make(map[string]bool)
	for domain, keywords := range domainKeywords {
		for _, keyword := range keywords {
			if containsKeyword(lowered, keyword) {
				requested[domain] = true
				break
			}
		}
	}
	// Sending an invitation needs both the event and the delivery side.
	if HasInvite(text) {
		requested["calendar"] = true
		requested["mail"] = true
	}
	return requested
}

// HasInvite reports whether the message expresses invite intent.
func HasInvite(text string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range inviteKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// ExtractEmails returns the distinct email addresses mentioned in text,
// deduplicated case-insensitively, original casing preserved, in order
// of first appearance.
func ExtractEmails(text string) []string {
	var unique []string
	seen := make(map[string]bool)
	for _, email := range emailPattern.FindAllString(text, -1) {
		lowered := strings.ToLower(email)
		if seen[lowered] {
			continue
		}
		seen[lowered] = true
		unique = append(unique, email)
	}
	return unique
}

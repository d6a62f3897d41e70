package call

import (
	"fmt"
	"strings"
	"time"
)

// Partner is the static display data for the matched conversation partner.
type Partner struct {
	Name   string `json:"name"`
	Origin string `json:"origin"`
	Flag   string `json:"flag"`
}

// DefaultPartner is the only partner the simulated matcher hands out.
var DefaultPartner = Partner{
	Name:   "Klaus",
	Origin: "Muttersprachler • Berlin",
	Flag:   "🇩🇪",
}

// SystemPrompt builds the tutor persona instruction for one caller.
func SystemPrompt(p Partner, nickname string, budget time.Duration) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = DefaultPartner.Name
	}
	minutes := int(budget.Round(time.Minute) / time.Minute)
	if minutes <= 0 {
		minutes = 1
	}
	lines := []string{
		fmt.Sprintf("Du bist %s, ein freundlicher deutscher Muttersprachler.", name),
		fmt.Sprintf("Du sprichst mit %s, einem Deutschlerner.", strings.TrimSpace(nickname)),
		"Halte die Unterhaltung natürlich, motivierend und korrigiere Fehler sanft, falls nötig.",
		fmt.Sprintf("Das Gespräch sollte maximal %d Minuten dauern.", minutes),
		"Sprich in einem moderaten Tempo, damit Lernende dich verstehen können.",
	}
	return strings.Join(lines, "\n")
}

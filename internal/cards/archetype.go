package cards

import (
	"bufio"
	"strings"

	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

// SynthesizeSkills derives a worker's initial skill set from its
// archetype template. Two markdown sections feed the synthesis: the
// "Starting Focus" section becomes a single "{archetype}-focus" skill
// whose description is the section body, and each list item under
// "Starting Knowledge" becomes a "{archetype}-{item}" skill. All
// produced skills are tagged with the archetype slug. The function is
// pure; the same template always yields the same skills.
func SynthesizeSkills(archetype, template string) []a2av1.AgentSkill {
	slug := Slugify(archetype)
	if slug == "" {
		return nil
	}

	focus := sectionBody(template, "Starting Focus")
	knowledge := sectionItems(template, "Starting Knowledge")

	var skills []a2av1.AgentSkill
	if focus != "" {
		skills = append(skills, a2av1.AgentSkill{
			ID:          slug + "-focus",
			Name:        archetype + " focus",
			Description: focus,
			Tags:        []string{slug, "focus"},
		})
	}
	for _, item := range knowledge {
		itemSlug := Slugify(item)
		if itemSlug == "" {
			continue
		}
		skills = append(skills, a2av1.AgentSkill{
			ID:          slug + "-" + itemSlug,
			Name:        item,
			Description: "Knowledge area: " + item,
			Tags:        []string{slug, itemSlug},
		})
	}
	return skills
}

// Slugify lowercases the input and maps runs of non-alphanumerics to
// single hyphens.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// sectionBody returns the trimmed prose of a markdown section, stopping
// at the next heading.
func sectionBody(markdown, heading string) string {
	var body []string
	inSection := false
	scanner := bufio.NewScanner(strings.NewReader(markdown))
	for scanner.Scan() {
		line := scanner.Text()
		if isHeading(line) {
			if inSection {
				break
			}
			inSection = headingTitle(line) == heading
			continue
		}
		if inSection {
			body = append(body, line)
		}
	}
	return strings.TrimSpace(strings.Join(body, "\n"))
}

// sectionItems returns the list items of a markdown section.
func sectionItems(markdown, heading string) []string {
	var items []string
	inSection := false
	scanner := bufio.NewScanner(strings.NewReader(markdown))
	for scanner.Scan() {
		line := scanner.Text()
		if isHeading(line) {
			if inSection {
				break
			}
			inSection = headingTitle(line) == heading
			continue
		}
		if !inSection {
			continue
		}
		trimmed := strings.TrimSpace(line)
		for _, marker := range []string{"- ", "* ", "+ "} {
			if strings.HasPrefix(trimmed, marker) {
				item := strings.TrimSpace(strings.TrimPrefix(trimmed, marker))
				if item != "" {
					items = append(items, item)
				}
				break
			}
		}
	}
	return items
}

func isHeading(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "#")
}

func headingTitle(line string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
}

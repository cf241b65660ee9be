package types

import (
	"encoding/json"
	"fmt"
)

// Category is the mutually exclusive outcome of classifying one frame.
// TabSwitching is synthetic: it is never produced by the classifier and only
// exists so browser signals share the counters and the cooldown gate.
type Category int

const (
	None Category = iota
	LookingAway
	MultiplePeople
	NoFace
	BlurScreen
	TabSwitching
)

// ViolationCategories lists every category that is counted, in the order
// used by persisted records and admin views.
var ViolationCategories = []Category{
	LookingAway,
	MultiplePeople,
	NoFace,
	BlurScreen,
	TabSwitching,
}

var categoryNames = map[Category]string{
	None:           "none",
	LookingAway:    "looking_away",
	MultiplePeople: "multiple_people",
	NoFace:         "no_face",
	BlurScreen:     "blur_screen",
	TabSwitching:   "tab_switching",
}

// Alert messages are part of the client contract and must not change.
var categoryMessages = map[Category]string{
	LookingAway:    "Looking away from screen detected!",
	MultiplePeople: "Multiple people detected!",
	NoFace:         "No face detected!",
	BlurScreen:     "Screen blur detected!",
	TabSwitching:   "Tab switching detected!",
}

// String returns the wire name of the category.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "unknown"
}

// Message returns the fixed alert message, or "" for None.
func (c Category) Message() string {
	return categoryMessages[c]
}

// IsViolation reports whether the category is counted and gated.
func (c Category) IsViolation() bool {
	_, ok := categoryMessages[c]
	return ok
}

// ParseCategory parses a wire name.
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if name == s {
			return c, nil
		}
	}
	return None, fmt.Errorf("unknown category: %q", s)
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, err := ParseCategory(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

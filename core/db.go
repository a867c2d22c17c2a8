package core

import "strings"

type DBOrdering struct {
	Field     string
	Ascending bool
}

func (ord DBOrdering) String() string {
	direction := "DESC"
	if ord.Ascending {
		direction = "ASC"
	}
	return ord.Field + " " + direction
}

// CleanOrderings drops the orderings whose field is not in allowed.
func CleanOrderings(ordering []DBOrdering, allowed ...string) []DBOrdering {
	cleaned := make([]DBOrdering, 0, len(ordering))
	for _, ord := range ordering {
		ord.Field = strings.ToLower(strings.TrimSpace(ord.Field))
		if StringInSlice(ord.Field, allowed) {
			cleaned = append(cleaned, ord)
		}
	}
	return cleaned
}

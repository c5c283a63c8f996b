package devauth

import (
	"fmt"
	"strings"
)

// Seed describes a user to create at startup.
type Seed struct {
	Username    string
	Password    string
	Role        string
	Permissions []string
}

// ParseSeeds reads entries of the form name:password:role[:perm,perm]
// separated by semicolons or whitespace.
func ParseSeeds(spec string) ([]Seed, error) {
	fields := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\n' || r == '\t'
	})

	seeds := make([]Seed, 0, len(fields))
	for _, f := range fields {
		seed, err := ParseSeed(f)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func ParseSeed(entry string) (Seed, error) {
	parts := strings.SplitN(entry, ":", 4)
	if len(parts) < 3 {
		return Seed{}, fmt.Errorf("user entry %q: want name:password:role[:perms]", entry)
	}
	seed := Seed{
		Username: parts[0],
		Password: parts[1],
		Role:     parts[2],
	}
	if seed.Username == "" || seed.Password == "" || seed.Role == "" {
		return Seed{}, fmt.Errorf("user entry %q: name, password and role are required", entry)
	}
	if len(parts) == 4 && parts[3] != "" {
		for _, p := range strings.Split(parts[3], ",") {
			if p = strings.TrimSpace(p); p != "" {
				seed.Permissions = append(seed.Permissions, p)
			}
		}
	}
	return seed, nil
}

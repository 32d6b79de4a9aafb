package internal

import (
	"os"
	"strings"
)

// IsDevelopmentMode checks if we're running in development mode
// where config validation and storage requirements are relaxed
func IsDevelopmentMode() bool {
	env := strings.ToLower(os.Getenv("AREA_ENV"))
	return env == "development" || env == "dev"
}

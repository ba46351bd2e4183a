package progress

import (
	"regexp"

	"github.com/wolfeidau/caseflow/internal/models"
)

var flagPatterns = map[string]*regexp.Regexp{
	models.FlagSourceLoggingDisabled:  regexp.MustCompile(`(?i)\blogging\s+(is\s+)?(disabled|not\s+enabled|turned\s+off)\b`),
	models.FlagThrottled:              regexp.MustCompile(`(?i)(\b429\b|too\s+many\s+requests|throttl|rate[\s-]?limit)`),
	models.FlagInsufficientPrivileges: regexp.MustCompile(`(?i)(\b403\b|forbidden|insufficient\s+privileges|access\s+denied|authorization_requestdenied)`),
}

// DeriveFlags inspects one log line and returns the flags it raises. Lines
// that match nothing return nil; flags are never cleared by later lines.
func DeriveFlags(message string) map[string]bool {
	var flags map[string]bool
	for flag, re := range flagPatterns {
		if re.MatchString(message) {
			if flags == nil {
				flags = make(map[string]bool, len(flagPatterns))
			}
			flags[flag] = true
		}
	}
	return flags
}

package admission

// BlacklistPhrases are the rotating rejection messages for blacklisted IPs.
var BlacklistPhrases = []string{
	"The muse has declined your request.",
	"This door is closed to you.",
	"No stories for you today.",
	"Your access has been revoked by the editors.",
	"The presses are silent for this address.",
}

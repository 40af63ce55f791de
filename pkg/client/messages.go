package client

import (
	"errors"

	"golang.org/x/text/language"
)

// Supported display languages. Albanian is the default.
var (
	Albanian = language.Albanian
	English  = language.English
)

var supported = []language.Tag{Albanian, English}

var matcher = language.NewMatcher(supported)

// Message keys that are not server error codes.
const (
	MsgConnection = "CONNECTION"
	MsgGeneric    = "GENERIC"
)

// messages holds the display text per code, indexed like supported.
var messages = map[string][2]string{
	"INVALID_QR_TOKEN":           {"Kodi QR nuk ekziston.", "QR code does not exist."},
	"INVALID":                    {"Kodi QR nuk ekziston.", "QR code does not exist."},
	"TOKEN_ALREADY_USED":         {"Ky kod QR është përdorur tashmë. Skanoni etiketën e re.", "This QR code has already been used. Scan the new label."},
	"QR_EXPIRED":                 {"Ngarkesa është dorëzuar tashmë.", "This unit has already been delivered."},
	"UNAUTHORIZED_ROLE":          {"Nuk keni leje për këtë veprim.", "You are not allowed to perform this action."},
	"INVALID_TRANSITION":         {"Ky veprim nuk lejohet në gjendjen aktuale.", "This action is not allowed in the current state."},
	"SCAN_CONFLICT":              {"Njësia u përditësua nga dikush tjetër. Provoni përsëri.", "The unit was updated by someone else. Please retry."},
	"MISSING_PHOTOS":             {"Shtoni të paktën një foto.", "Add at least one photo."},
	"MISSING_DAMAGE_DESCRIPTION": {"Përshkruani dëmin.", "Describe the damage."},
	"MISSING_RECIPIENT":          {"Shkruani emrin e marrësit.", "Enter the recipient's name."},
	"MISSING_SIGNATURE":          {"Merr firmën e marrësit.", "Capture the recipient's signature."},
	"INVALID_QUANTITY":           {"Sasia duhet të jetë të paktën 1.", "Quantity must be at least 1."},
	"DEADLINE_EXPIRED":           {"Afati për raportimin e problemit ka kaluar.", "The reporting deadline has passed."},
	"DISPUTE_EXISTS":             {"Ekziston tashmë një mosmarrëveshje e hapur për këtë njësi.", "An open dispute already exists for this unit."},
	"NO_PHOTOS":                  {"Shtoni të paktën një foto.", "Add at least one photo."},
	"MISSING_DESCRIPTION":        {"Shkruani një përshkrim.", "Enter a description."},
	"DISPUTE_RESOLVED":           {"Mosmarrëveshja është zgjidhur.", "The dispute is already resolved."},
	"COMMENTS_LOCKED":            {"Komentet janë mbyllur për këtë mosmarrëveshje.", "Comments are closed for this dispute."},
	"EVIDENCE_FROZEN":            {"Provat janë ngrirë.", "The evidence is frozen."},
	"INVALID_LIABILITY":          {"Përgjegjësia e zgjedhur nuk është e vlefshme.", "The selected liability is not valid."},
	"NOT_FOUND":                  {"Nuk u gjet.", "Not found."},
	"VALIDATION_FAILED":          {"Kontrolloni të dhënat e futura.", "Check the data you entered."},
	"RATE_LIMITED":               {"Shumë kërkesa. Prisni pak dhe provoni përsëri.", "Too many requests. Wait a moment and retry."},
	"UNAUTHORIZED":               {"Sesioni ka skaduar. Hyni përsëri.", "Your session has expired. Sign in again."},
	"FORBIDDEN":                  {"Nuk keni leje për këtë veprim.", "You are not allowed to perform this action."},
	MsgConnection:                {"Nuk ka lidhje me serverin. Kontrolloni internetin.", "Cannot reach the server. Check your connection."},
	MsgGeneric:                   {"Ndodhi një gabim. Provoni përsëri.", "Something went wrong. Please try again."},
}

// MatchLanguage picks the supported language closest to the preferences,
// given as BCP 47 tags or an Accept-Language value.
func MatchLanguage(prefs ...string) language.Tag {
	var tags []language.Tag
	for _, p := range prefs {
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return Albanian
	}
	return supported[idx]
}

func index(tag language.Tag) int {
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return 0
	}
	return idx
}

// Message returns the display text for a code. Unknown codes get the
// generic message.
func Message(code string, tag language.Tag) string {
	m, ok := messages[code]
	if !ok {
		m = messages[MsgGeneric]
	}
	return m[index(tag)]
}

// ErrorMessage returns the display text for any client error.
func ErrorMessage(err error, tag language.Tag) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return Message(MsgConnection, tag)
	default:
		return Message(CodeOf(err), tag)
	}
}

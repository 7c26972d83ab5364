package export

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint hashes the normalized parameters. Equal parameters always hash
// equal regardless of how the request spelled them.
func Fingerprint(p Params) string {
	p = p.withDefaults()

	fields := []string{
		"format=" + string(p.Format),
		"author=" + optionalInt(p.AuthorID),
		"entity_kind=",
		"entity_id=",
		"date_from=" + optionalDay(p.DateFrom),
		"date_to=" + optionalDay(p.DateTo),
	}
	if p.Entity != nil {
		fields[2] += string(p.Entity.Kind)
		fields[3] += strconv.FormatInt(p.Entity.ID, 10)
	}

	sum := blake2b.Sum256([]byte(strings.Join(fields, "\n")))
	return hex.EncodeToString(sum[:])
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func optionalDay(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

package broker

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"signalrelay/internal/model"
)

// tagNamespace scopes order tags so the same inputs always produce the same
// tag across restarts.
var tagNamespace = uuid.MustParse("6f1c1b0e-5d0a-4a8e-9f57-8d7c3b8a2e41")

// MaxTagLen is the longest tag every supported broker accepts
// (AngelOne ordertag limit).
const MaxTagLen = 20

// Tag derives the idempotency key for one order leg. A retried call for
// the same leg carries the same tag.
func Tag(signalID, traderID int64, b model.Broker, c model.Category) string {
	key := strconv.FormatInt(signalID, 10) + "|" + strconv.FormatInt(traderID, 10) + "|" + string(b) + "|" + string(c)
	id := strings.ReplaceAll(uuid.NewSHA1(tagNamespace, []byte(key)).String(), "-", "")
	return id[:MaxTagLen]
}

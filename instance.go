package llmgate

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewInstanceID generates a cluster-unique instance identifier of the
// form inst-<epoch-ms>-<9 base36 chars>.
func NewInstanceID() string {
	var b strings.Builder
	b.WriteString("inst-")
	b.WriteString(strconv.FormatInt(time.Now().UnixMilli(), 10))
	b.WriteByte('-')
	for i := 0; i < 9; i++ {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}

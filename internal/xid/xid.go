package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Receipt returns a receipt number of the form R-YYYYMMDD-XXXXXXXX, dated
// in the location of at.
func Receipt(at time.Time) string {
	day := at.Format("20060102")
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("R-%s-%08X", day, uint32(at.UnixNano()))
	}
	return fmt.Sprintf("R-%s-%s", day, strings.ToUpper(hex.EncodeToString(buf)))
}

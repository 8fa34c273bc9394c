// Package bridge speaks the SCPI SPI command set of a Red Pitaya style
// bridge. Client turns it into an ad5791.Port; Sim answers it in process,
// with an AD5791 on the far side of the bus.
package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/magstab/magstab-go/internal/ad5791"
)

// Command lines.
const (
	cmdInitDev   = `SPI:INIT:DEV "%s"`
	cmdSetDef    = "SPI:SET:DEF"
	cmdSetGet    = "SPI:SET:GET"
	cmdSetMode   = "SPI:SET:MODE %s"
	cmdSetSpeed  = "SPI:SET:SPEED %d"
	cmdSetWord   = "SPI:SET:WORD %d"
	cmdSetSet    = "SPI:SET:SET"
	cmdSpeedQ    = "SPI:SET:SPEED?"
	cmdMsgCreate = "SPI:MSG:CREATE %d"
	cmdMsgTx     = "SPI:MSG%d:TX3:RX:CS %s"
	cmdPass      = "SPI:PASS"
	cmdMsgRx     = "SPI:MSG%d:RX?"
	cmdMsgDel    = "SPI:MSG:DEL"
	cmdRelease   = "SPI:RELEASE"
	cmdErrQ      = "SYST:ERR?"
)

// noError prefixes the SYST:ERR? reply of an empty queue.
const noError = "0,"


// FormatWord renders a word as the bridge's hex byte list.
func FormatWord(w ad5791.Word) string {
	return fmt.Sprintf("#H%02X,#H%02X,#H%02X", w[0], w[1], w[2])
}

// ParseHexWord parses the output of FormatWord.
func ParseHexWord(s string) (ad5791.Word, error) {
	parts := strings.Split(s, ",")
	if len(parts) != ad5791.WordCount {
		return ad5791.Word{}, fmt.Errorf("%w: want %d bytes in %q", ad5791.ErrProtocol, ad5791.WordCount, s)
	}
	var w ad5791.Word
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) < 3 || !strings.EqualFold(p[:2], "#H") {
			return ad5791.Word{}, fmt.Errorf("%w: byte %q is not #H hex", ad5791.ErrProtocol, p)
		}
		v, err := strconv.ParseUint(p[2:], 16, 8)
		if err != nil {
			return ad5791.Word{}, fmt.Errorf("%w: byte %q: %w", ad5791.ErrProtocol, p, err)
		}
		w[i] = byte(v)
	}
	return w, nil
}

// ParseWord parses a received word, a brace-wrapped decimal triple such as
// "{16,204,154}".
func ParseWord(s string) (ad5791.Word, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return ad5791.Word{}, fmt.Errorf("%w: malformed word %q", ad5791.ErrProtocol, s)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != ad5791.WordCount {
		return ad5791.Word{}, fmt.Errorf("%w: want %d bytes in %q", ad5791.ErrProtocol, ad5791.WordCount, s)
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return ad5791.Word{}, fmt.Errorf("%w: byte %q in %q", ad5791.ErrProtocol, p, s)
		}
		vals[i] = v
	}
	joined, err := ad5791.Join(vals, ad5791.WordBits)
	if err != nil {
		return ad5791.Word{}, fmt.Errorf("%w: %w", ad5791.ErrProtocol, err)
	}
	return ad5791.Pack(ad5791.Code(joined))
}

func formatRx(w ad5791.Word) string {
	return fmt.Sprintf("{%d,%d,%d}", w[0], w[1], w[2])
}

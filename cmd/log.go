package cmd

import (
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// Logger builds a logfmt-handler root logger writing to w at the given
// level, matching asterisc's cmd/log.go.
func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

// ConsoleWriter adapts a log.Logger into the htif.ConsoleWriter the HTIF
// console device writes bytes to, logging text as "text" and binary runs
// as hex.
type ConsoleWriter struct {
	Name string
	Log  log.Logger
	buf  []byte
}

func printable(b []byte) bool {
	for _, c := range b {
		if (c < 0x20 || c >= 0x7F) && c != '\n' && c != '\t' {
			return false
		}
	}
	return true
}

func (w *ConsoleWriter) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	if b != '\n' && len(w.buf) < 256 {
		return nil
	}
	w.flush()
	return nil
}

func (w *ConsoleWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	if printable(w.buf) {
		w.Log.Info(w.Name, "text", string(w.buf))
	} else {
		w.Log.Info(w.Name, "data", hexutil.Bytes(w.buf))
	}
	w.buf = w.buf[:0]
}

package log

import (
	"context"
	"fmt"
	"strings"
)

// lineBreakEscaper keeps one record on one line so message text taken from
// events cannot inject fake entries.
var lineBreakEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`, "\t", `\t`)

func SanitizeValue(s string) string {
	return lineBreakEscaper.Replace(s)
}

// SafeError logs err at error level. In production only the dynamic type of
// err is written, since broker and driver errors may embed payload bytes or
// connection strings.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if err == nil || logger == nil || !logger.Enabled(LevelError) {
		return
	}

	detail := Err(err)
	if production {
		detail = String("error_type", fmt.Sprintf("%T", err))
	}

	logger.Log(ctx, LevelError, msg, detail)
}

package dnx

import (
	"fmt"
	"strings"
	"time"

	"github.com/dnxgpu/dnx/config"
	"github.com/sirupsen/logrus"
)

// logFormats builds the formatter for each logging.format value. full is set
// when the user asked for a specific timestamp layout.
var logFormats = map[string]func(layout string, full, disable bool) logrus.Formatter{
	"text": func(layout string, full, disable bool) logrus.Formatter {
		return &logrus.TextFormatter{TimestampFormat: layout, FullTimestamp: full, DisableTimestamp: disable}
	},
	"json": func(layout string, _, disable bool) logrus.Formatter {
		return &logrus.JSONFormatter{TimestampFormat: layout, DisableTimestamp: disable}
	},
}

func configLogger(l *logrus.Logger, c *config.C) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	format := strings.ToLower(c.GetString("logging.format", "text"))
	build, ok := logFormats[format]
	if !ok {
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}

	layout := c.GetString("logging.timestamp_format", "")
	full := layout != ""
	if !full {
		layout = time.RFC3339
	}

	l.SetLevel(level)
	l.Formatter = build(layout, full, c.GetBool("logging.disable_timestamp", false))
	return nil
}

package logsource

import (
	"fmt"
	"strings"
)

// LogType names the AWS service that produced a log.
type LogType int

const (
	CloudFront LogType = iota
	LoadBalancer
	WAF
)

var logTypeNames = map[LogType]string{
	CloudFront:   "CloudFront",
	LoadBalancer: "LoadBalancer",
	WAF:          "WAF",
}

func (t LogType) String() string {
	if name, ok := logTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("LogType(%d)", int(t))
}

// ParseLogType accepts the names returned by String, case-insensitively.
func ParseLogType(s string) (LogType, error) {
	for t, name := range logTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown log type %q", s)
}

// DefaultSuffix is the object-name suffix selected when none is given.
func (t LogType) DefaultSuffix() string {
	if t == WAF {
		return ".log.gz"
	}
	return ".log"
}

// MarshalText keeps the name readable in cached payloads.
func (t LogType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LogType) UnmarshalText(text []byte) error {
	parsed, err := ParseLogType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

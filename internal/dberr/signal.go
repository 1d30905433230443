package dberr

import "strings"

// SignalKind classifies a database failure for the repair engine.
type SignalKind string

const (
	KindMissingColumn    SignalKind = "missing-column"
	KindMissingTable     SignalKind = "missing-table"
	KindNotNullViolation SignalKind = "not-null-violation"
	KindUnknown          SignalKind = "unknown"
)

// ErrorSignal is the dialect-neutral description of a failed statement.
// Tables lists the tables the failing statement referenced, which lets the
// repair engine resolve a column whose table the driver message omits.
type ErrorSignal struct {
	Kind    SignalKind
	Table   string
	Column  string
	Code    string
	Message string
	Tables  []string
}

// IsDrift reports whether the signal describes repairable schema drift.
func (s ErrorSignal) IsDrift() bool {
	switch s.Kind {
	case KindMissingColumn, KindMissingTable, KindNotNullViolation:
		return true
	}
	return false
}

func (s ErrorSignal) String() string {
	var b strings.Builder
	kind := s.Kind
	if kind == "" {
		kind = KindUnknown
	}
	b.WriteString(string(kind))
	switch {
	case s.Table != "" && s.Column != "":
		b.WriteString(" " + s.Table + "." + s.Column)
	case s.Table != "":
		b.WriteString(" " + s.Table)
	case s.Column != "":
		b.WriteString(" " + s.Column)
	}
	if s.Code != "" {
		b.WriteString(" [" + s.Code + "]")
	}
	return b.String()
}

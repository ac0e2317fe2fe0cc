package sites

import "strings"

// StatusField carries a business status code from extraction to hooks.
const StatusField = "_status"

// statusOpen is the localdata code for an operating business.
const statusOpen = "01"

func init() {
	Register("localdata", Localdata{})
}

// Localdata drops closed or suspended businesses from the public licensing
// exports. Rows without a status code pass through.
type Localdata struct{}

// BeforeSave implements SaveHook.
func (Localdata) BeforeSave(row map[string]string) (map[string]string, bool) {
	status, ok := row[StatusField]
	if ok && strings.TrimSpace(status) != statusOpen {
		return nil, false
	}
	if tel := row["전화번호"]; tel != "" {
		row["전화번호"] = strings.TrimSpace(tel)
	}
	return row, true
}

package proxy

import (
	"strconv"
	"strings"
)

// parseClientRange 只识别 "bytes=N-" 形式的续传请求。其他形式（多段、带结束位置、后缀）
// 按 RFC 9110 允许的方式忽略，返回 ok=false，由调用方回复完整 200。
func parseClientRange(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, false
	}
	start, end, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found || end != "" || start == "" || strings.Contains(start, ",") {
		return 0, false
	}
	offset, err := strconv.ParseInt(start, 10, 64)
	if err != nil || offset < 0 {
		return 0, false
	}
	return offset, true
}

// parseContentRange 解析 "bytes S-E/T"，总长度未知（*）时返回错误。
func parseContentRange(header string) (start, end, total int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	span, size, found := strings.Cut(spec, "/")
	if !found {
		return 0, 0, 0, false
	}
	first, last, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if start < 0 || end < start || total <= end {
		return 0, 0, 0, false
	}
	return start, end, total, true
}

package cache

// EntryState 描述缓存文件所处阶段：absent → partial → complete。
// 状态仍以文件名承载，但所有迁移都经由 Store 方法完成。
type EntryState int

const (
	// EntryAbsent 既没有最终文件，也没有本进程的 .part 文件。
	EntryAbsent EntryState = iota
	// EntryPartial 存在本进程拥有的非空 .part 文件，可以续传。
	EntryPartial
	// EntryComplete 最终文件存在且非空，内容视为完整。
	EntryComplete
)

func (s EntryState) String() string {
	switch s {
	case EntryAbsent:
		return "absent"
	case EntryPartial:
		return "partial"
	case EntryComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Entry 是一次 Inspect 的快照结果。
type Entry struct {
	Locator   Locator
	State     EntryState
	FinalPath string
	PartPath  string
	// Size 在 complete 时为最终文件大小，在 partial 时为已下载字节数，absent 时为 0。
	Size int64
}

// ResumeOffset 返回续传时应请求的起始偏移量。
func (e Entry) ResumeOffset() int64 {
	if e.State != EntryPartial {
		return 0
	}
	return e.Size
}

// Package types 定義了 fogdeck 系統中使用的核心領域模型
package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// JobStatus 任務狀態（由 fog node 回報）
type JobStatus string

// 定義任務狀態常數
const (
	StatusQueued     JobStatus = "queued"     // 已排隊：node 已接收文件但尚未開始合成
	StatusProcessing JobStatus = "processing" // 處理中：node 正在合成音訊
	StatusCompleted  JobStatus = "completed"  // 完成：輸出檔案可播放／下載
	StatusFailed     JobStatus = "failed"     // 失敗：合成過程發生錯誤
)

// Valid 檢查狀態是否為已知值
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// FogNode 遠端 worker 端點
// JSON 形狀與持久化格式相同：{id, url, isOnline, lastPing?}
type FogNode struct {
	ID       string `json:"id"`                 // 建立時產生，生命週期內不變
	URL      string `json:"url"`                // 正規化後的 base URL（無結尾斜線）
	IsOnline bool   `json:"isOnline"`           // 最後一次健康檢查結果
	LastPing *int64 `json:"lastPing,omitempty"` // 最後一次檢查完成時間（Unix 毫秒），首次檢查前為空
}

// LastPingTime 回傳 LastPing 的 time.Time 形式，未檢查過時回傳零值
func (n FogNode) LastPingTime() time.Time {
	if n.LastPing == nil {
		return time.Time{}
	}
	return time.UnixMilli(*n.LastPing)
}

// WithLiveness 回傳套用健康檢查結果後的副本
func (n FogNode) WithLiveness(online bool, at time.Time) FogNode {
	ms := at.UnixMilli()
	n.IsOnline = online
	n.LastPing = &ms
	return n
}

// Job 任務的唯讀投影
// NodeURL 由客戶端在抓取時附加，不屬於 server 的表示法
type Job struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	Status          JobStatus `json:"status"`
	CreatedAt       Timestamp `json:"created_at"`
	Message         string    `json:"message,omitempty"`
	TotalChunks     int       `json:"total_chunks,omitempty"`
	ProcessedChunks int       `json:"processed_chunks,omitempty"`
	Progress        float64   `json:"progress"`
	OutputFiles     []string  `json:"output_files,omitempty"`

	NodeURL string `json:"nodeUrl,omitempty"` // 來源 node
}

// Playable 只有已完成且有輸出檔案的任務可以播放或下載
func (j Job) Playable() bool {
	return j.Status == StatusCompleted && len(j.OutputFiles) > 0
}

// Key 回傳 (node, id) 複合鍵
func (j Job) Key() JobKey {
	return JobKey{NodeURL: j.NodeURL, ID: j.ID}
}

// JobKey 以來源 node 與 id 識別一個任務
type JobKey struct {
	NodeURL string
	ID      string
}

// JobView 一次聚合週期發布的結果
type JobView struct {
	Jobs      []Job     `json:"jobs"`
	Loaded    bool      `json:"loaded"`     // 至少完成過一次聚合
	Seq       uint64    `json:"seq"`        // 產生此結果的週期序號
	UpdatedAt time.Time `json:"updated_at"` // 發布時間
}

// Timestamp 寬鬆解析的時間戳
// fog node 可能回傳不帶時區的 ISO 字串、null 或空字串；無法解析時視為缺少
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NewTimestamp 建立 Timestamp
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp 依序嘗試已知格式，全部失敗時回傳零值
func ParseTimestamp(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if strings.Contains(layout, "Z07:00") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.UTC)
		}
		if err == nil {
			return Timestamp{Time: t}
		}
	}
	return Timestamp{}
}

// UnmarshalJSON 接受字串、數字（Unix 毫秒）或 null
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*ts = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*ts = ParseTimestamp(s)
		return nil
	}

	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		*ts = Timestamp{}
		return nil
	}
	*ts = Timestamp{Time: time.UnixMilli(int64(ms)).UTC()}
	return nil
}

// MarshalJSON 零值輸出 null
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

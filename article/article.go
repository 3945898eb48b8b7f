// Package article defines the data model shared by the capture, translation,
// formatting, and publish stages: the per-tab Session snapshot, its content
// blocks and cached images, and the workflow state that tracks a run.
package article

import "time"

// Content item kinds as captured from the page.
const (
	KindHeading   = "heading"
	KindParagraph = "paragraph"
	KindImage     = "image"
)

// ContentItem is one extracted block. Items are ordered and immutable after
// capture.
type ContentItem struct {
	Kind     string `json:"kind"`
	Level    int    `json:"level,omitempty"`
	Text     string `json:"text,omitempty"`
	Sequence int    `json:"sequence,omitempty"`
	URL      string `json:"url,omitempty"`
	Alt      string `json:"alt,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// CachedImage tracks one article image through fetch and upload. Entries are
// deduplicated by URL; the last write wins. Sequence is 1-based, 0 means the
// image had no explicit position.
type CachedImage struct {
	URL       string `json:"url"`
	Sequence  int    `json:"sequence,omitempty"`
	DataURL   string `json:"dataUrl,omitempty"`
	RemoteURL string `json:"remoteUrl,omitempty"`
	MediaID   string `json:"mediaId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Task statuses shared by Translation and TitleTask.
const (
	TaskWorking = "working"
	TaskDone    = "done"
	TaskError   = "error"
)

// Translation holds the rewritten article text.
type Translation struct {
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// TitleTask holds the generated headline. A failed generation leaves a
// warning and a derived fallback title rather than failing the run.
type TitleTask struct {
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	Warning   string    `json:"warning,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Formatted is the publish-ready markup produced by the formatter.
type Formatted struct {
	HTML      string    `json:"html,omitempty"`
	Markdown  string    `json:"markdown,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Upload records one image accepted by the publisher.
type Upload struct {
	LocalSrc  string `json:"localSrc"`
	RemoteURL string `json:"remoteUrl"`
	MediaID   string `json:"mediaId"`
}

// Draft is the created publisher draft. Payload keeps the exact JSON body
// that was (or, on a dry run, would have been) posted.
type Draft struct {
	MediaID string `json:"media_id"`
	Payload string `json:"payload,omitempty"`
	DryRun  bool   `json:"dryRun"`
}

// Session is the latest-known snapshot of one captured article, keyed by the
// owning tab. Workflow is rewritten wholesale at the start of each run;
// every other field is merged by the stage that owns it.
type Session struct {
	Key          string        `json:"key"`
	SourceURL    string        `json:"sourceUrl"`
	CapturedAt   time.Time     `json:"capturedAt,omitzero"`
	Title        string        `json:"title,omitempty"`
	Items        []ContentItem `json:"items,omitempty"`
	CachedImages []CachedImage `json:"cachedImages,omitempty"`
	Translation  Translation   `json:"translation"`
	TitleTask    TitleTask     `json:"titleTask"`
	Formatted    Formatted     `json:"formatted"`
	Uploads      []Upload      `json:"wechatUploads,omitempty"`
	Draft        *Draft        `json:"wechatDraft,omitempty"`
	Workflow     Workflow      `json:"workflow"`
}

// Clone returns a deep copy so callers can never mutate a shared snapshot.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = append([]ContentItem(nil), s.Items...)
	out.CachedImages = append([]CachedImage(nil), s.CachedImages...)
	out.Uploads = append([]Upload(nil), s.Uploads...)
	if s.Draft != nil {
		draft := *s.Draft
		out.Draft = &draft
	}
	if s.Workflow.Steps != nil {
		steps := make(map[string]StepState, len(s.Workflow.Steps))
		for name, state := range s.Workflow.Steps {
			steps[name] = state
		}
		out.Workflow.Steps = steps
	}
	return &out
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wash_articles/article"
	"wash_articles/bus"
	"wash_articles/formatter"
	"wash_articles/store"
	"wash_articles/translator"
	"wash_articles/wechat"
)

const prefetchConcurrency = 4

// Config wires the orchestrator's collaborators.
type Config struct {
	Content    *store.ContentStore
	Settings   *store.SettingsStore
	Bus        *bus.Bus
	History    HistoryStore
	Translator Translator
	Formatter  Formatter
	Publisher  Publisher
	Retry      *wechat.RetryPolicy
	Fetcher    ImageFetcher
	Logger     zerolog.Logger
}

// Orchestrator runs the per-session pipeline. At most one run is in flight
// per session key; concurrent Start calls for the same key join the running
// execution and observe its outcome.
type Orchestrator struct {
	content    *store.ContentStore
	settings   *store.SettingsStore
	bus        *bus.Bus
	history    HistoryStore
	translator Translator
	formatter  Formatter
	publisher  Publisher
	retry      *wechat.RetryPolicy
	fetcher    ImageFetcher
	logger     zerolog.Logger
	now        func() time.Time

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	done chan struct{}
	err  error
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		content:    cfg.Content,
		settings:   cfg.Settings,
		bus:        cfg.Bus,
		history:    cfg.History,
		translator: cfg.Translator,
		formatter:  cfg.Formatter,
		publisher:  cfg.Publisher,
		retry:      cfg.Retry,
		fetcher:    cfg.Fetcher,
		logger:     cfg.Logger,
		now:        time.Now,
		runs:       make(map[string]*run),
	}
}

// Start runs the pipeline for key, or joins the run already in flight for
// that key. Every caller gets the same outcome; exactly one execution runs
// the stage sequence. The guard is cleared in a defer so a failed run never
// leaves it held.
func (o *Orchestrator) Start(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("session key required")
	}
	o.mu.Lock()
	if r, ok := o.runs[key]; ok {
		o.mu.Unlock()
		<-r.done
		return r.err
	}
	r := &run{done: make(chan struct{})}
	o.runs[key] = r
	o.mu.Unlock()

	// A started run outlives its trigger; closing the tab or dropping the
	// request does not abort an in-flight publish.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		o.mu.Lock()
		delete(o.runs, key)
		o.mu.Unlock()
		close(r.done)
	}()
	r.err = o.execute(ctx, key)
	return r.err
}

func (o *Orchestrator) execute(ctx context.Context, key string) error {
	if o.content.Get(key) == nil {
		return &WorkflowError{Step: article.StepExtracting, Message: "no captured content for session " + key, Cause: ErrNoContent}
	}

	started := o.now()
	o.mutate(key, func(s *article.Session) {
		s.Workflow = article.NewRunWorkflow(started)
	})
	o.logger.Info().Str("key", key).Msg("workflow run started")

	if err := o.runStages(ctx, key); err != nil {
		werr := stageError(article.StepExtracting, err)
		ts := o.now()
		o.mutate(key, func(s *article.Session) {
			s.Workflow.Status = article.StatusError
			s.Workflow.CurrentStep = werr.Step
			s.Workflow.Error = werr.Message
			s.Workflow.Message = werr.Message
			s.Workflow.CompletedAt = ts
			st := s.Workflow.Steps[werr.Step]
			st.Status = article.StepError
			st.Error = werr.Message
			st.UpdatedAt = ts
			s.Workflow.Steps[werr.Step] = st
		})
		o.logger.Error().Str("key", key).Str("step", werr.Step).Err(werr).Msg("workflow run failed")
		return werr
	}

	ts := o.now()
	o.mutate(key, func(s *article.Session) {
		s.Workflow.Status = article.StatusSuccess
		s.Workflow.CurrentStep = article.StepComplete
		s.Workflow.CompletedAt = ts
	})
	o.logger.Info().Str("key", key).Msg("workflow run complete")
	return nil
}

func (o *Orchestrator) runStages(ctx context.Context, key string) error {
	if err := o.runExtracting(ctx, key); err != nil {
		return err
	}
	if err := o.runPreparing(ctx, key); err != nil {
		return err
	}
	if err := o.runUploading(ctx, key); err != nil {
		return err
	}
	if err := o.runFormatting(ctx, key); err != nil {
		return err
	}
	return o.runPublishing(ctx, key)
}

func (o *Orchestrator) runExtracting(_ context.Context, key string) error {
	o.beginStep(key, article.StepExtracting)
	sess := o.content.Get(key)
	if sess == nil || len(sess.Items) == 0 {
		return &WorkflowError{Step: article.StepExtracting, Message: "no content items captured", Cause: ErrNoContent}
	}
	o.completeStep(key, article.StepExtracting, "")
	return nil
}

func (o *Orchestrator) runPreparing(ctx context.Context, key string) error {
	o.beginStep(key, article.StepPreparing)
	sess, err := o.liveSession(key, article.StepPreparing)
	if err != nil {
		return err
	}
	opts := translator.Options{SourceURL: sess.SourceURL, FallbackTitle: sess.Title}
	markdown := itemsToMarkdown(sess.Items)

	ts := o.now()
	o.mutate(key, func(s *article.Session) {
		s.Translation = article.Translation{Status: article.TaskWorking, UpdatedAt: ts}
		s.TitleTask = article.TitleTask{Status: article.TaskWorking, UpdatedAt: ts}
	})

	res, terr := o.translator.TranslateArticle(ctx, markdown, opts)
	if terr != nil {
		fb := deriveFallbackTitle(sess, "")
		ts := o.now()
		o.mutate(key, func(s *article.Session) {
			s.Translation = article.Translation{Status: article.TaskError, Error: terr.Error(), UpdatedAt: ts}
			s.TitleTask = article.TitleTask{Status: article.TaskDone, Text: fb, Warning: "翻译失败，使用回退标题", UpdatedAt: ts}
		})
		return stageError(article.StepPreparing, terr)
	}

	ts = o.now()
	o.mutate(key, func(s *article.Session) {
		s.Translation = article.Translation{Status: article.TaskDone, Text: res.Text, UpdatedAt: ts}
	})

	// Title failure is soft: keep the run alive with a derived title and a
	// step warning.
	var titleText, titleWarning string
	tres, gerr := o.translator.GenerateTitle(ctx, res.Conversation, opts)
	if gerr != nil {
		titleText = deriveFallbackTitle(sess, res.Text)
		titleWarning = gerr.Error()
		o.logger.Warn().Str("key", key).Err(gerr).Msg("title generation failed, using fallback title")
	} else {
		titleText = sanitizeTitle(tres.Text)
	}
	ts = o.now()
	o.mutate(key, func(s *article.Session) {
		s.TitleTask = article.TitleTask{Status: article.TaskDone, Text: titleText, Warning: titleWarning, UpdatedAt: ts}
	})

	o.completeStep(key, article.StepPreparing, titleWarning)
	o.appendHistory(key)
	return nil
}

func (o *Orchestrator) runUploading(ctx context.Context, key string) error {
	o.beginStep(key, article.StepUploading)
	sess, err := o.liveSession(key, article.StepUploading)
	if err != nil {
		return err
	}
	settings := o.settings.Get()

	images := article.MergeImages(o.history.LoadImages(sess.SourceURL), sess.CachedImages)
	images = article.MergeImages(images, imagesFromItems(sess.Items))
	images = o.prefetch(ctx, images)
	o.mutate(key, func(s *article.Session) { s.CachedImages = images })
	o.history.SaveImages(sess.SourceURL, images)

	if len(images) == 0 {
		return &WorkflowError{Step: article.StepUploading, Message: "no images available for upload"}
	}

	var uploads []article.Upload
	doUpload := func(token string) error {
		us, err := o.publisher.UploadImages(ctx, article.SortImages(images), wechat.UploadOptions{
			AccessToken: token,
			DryRun:      settings.DryRun,
		})
		if err != nil {
			return err
		}
		uploads = us
		return nil
	}

	if settings.DryRun {
		if err := doUpload(""); err != nil {
			return stageError(article.StepUploading, err)
		}
	} else {
		if !wechat.HasCredentials(settings) {
			return stageError(article.StepUploading, &wechat.ConfigError{Missing: "app_id/app_secret"})
		}
		if err := o.retry.WithAuthRetry(ctx, doUpload); err != nil {
			return stageError(article.StepUploading, err)
		}
	}

	snapshot := o.mutate(key, func(s *article.Session) {
		byLocal := make(map[string]article.Upload, len(uploads))
		for _, up := range uploads {
			byLocal[up.LocalSrc] = up
		}
		for i := range s.CachedImages {
			img := &s.CachedImages[i]
			up, ok := byLocal[img.DataURL]
			if !ok {
				up, ok = byLocal[img.URL]
			}
			if ok {
				img.RemoteURL = up.RemoteURL
				img.MediaID = up.MediaID
			}
		}
		s.Uploads = uploads
	})
	if snapshot != nil {
		o.history.SaveImages(snapshot.SourceURL, snapshot.CachedImages)
	}

	o.completeStep(key, article.StepUploading, "")
	return nil
}

func (o *Orchestrator) runFormatting(ctx context.Context, key string) error {
	o.beginStep(key, article.StepFormatting)
	sess, err := o.liveSession(key, article.StepFormatting)
	if err != nil {
		return err
	}

	formatted, err := o.formatter.Format(ctx, formatter.Input{
		Title:       sess.TitleTask.Text,
		ArticleText: sess.Translation.Text,
		Items:       sess.Items,
		Images:      sess.CachedImages,
	})
	if err != nil {
		return stageError(article.StepFormatting, err)
	}

	o.mutate(key, func(s *article.Session) { s.Formatted = formatted })
	o.completeStep(key, article.StepFormatting, "")
	o.appendHistory(key)
	return nil
}

func (o *Orchestrator) runPublishing(ctx context.Context, key string) error {
	o.beginStep(key, article.StepPublishing)
	sess, err := o.liveSession(key, article.StepPublishing)
	if err != nil {
		return err
	}
	settings := o.settings.Get()

	if sess.Translation.Status != article.TaskDone || sess.Formatted.HTML == "" {
		return &WorkflowError{Step: article.StepPublishing, Message: "translation or formatted content not ready"}
	}

	thumb := resolveThumb(settings.ThumbMediaID, sess.Uploads)
	if thumb == "" && !settings.DryRun {
		return stageError(article.StepPublishing, &wechat.ConfigError{Missing: "thumb_media_id (no uploaded cover image)"})
	}

	content := wechat.DraftContent{
		Title:           sess.TitleTask.Text,
		Author:          settings.Author,
		Digest:          digestFromText(sess.Translation.Text),
		HTML:            sess.Formatted.HTML,
		TranslationText: sess.Translation.Text,
		SourceURL:       sess.SourceURL,
		ThumbMediaID:    thumb,
	}

	var draft article.Draft
	doDraft := func(token string) error {
		d, err := o.publisher.CreateDraft(ctx, content, sess.Uploads, wechat.UploadOptions{
			AccessToken: token,
			DryRun:      settings.DryRun,
		})
		if err != nil {
			return err
		}
		draft = d
		return nil
	}

	if settings.DryRun {
		if err := doDraft(""); err != nil {
			return stageError(article.StepPublishing, err)
		}
	} else {
		if err := o.retry.WithAuthRetry(ctx, doDraft); err != nil {
			return stageError(article.StepPublishing, err)
		}
	}

	o.mutate(key, func(s *article.Session) { s.Draft = &draft })
	o.completeStep(key, article.StepPublishing, "")
	o.appendHistory(key)
	return nil
}

// CreateDraftOnDemand publishes one draft outside the automatic pipeline,
// from whatever the session already holds. It does not touch workflow state.
func (o *Orchestrator) CreateDraftOnDemand(ctx context.Context, key string, ov DraftOverrides) (article.Draft, error) {
	sess := o.sessionFor(key)
	if sess == nil {
		return article.Draft{}, errors.New("no session content available")
	}
	settings := o.settings.Get()

	dryRun := settings.DryRun
	if ov.DryRun != nil {
		dryRun = *ov.DryRun
	}

	title := ov.Title
	if title == "" {
		title = sess.TitleTask.Text
	}
	if title == "" {
		title = deriveFallbackTitle(sess, sess.Translation.Text)
	}
	author := ov.Author
	if author == "" {
		author = settings.Author
	}
	digest := ov.Digest
	if digest == "" {
		digest = digestFromText(sess.Translation.Text)
	}
	thumb := ov.ThumbMediaID
	if thumb == "" {
		thumb = resolveThumb(settings.ThumbMediaID, sess.Uploads)
	}
	if thumb == "" && !dryRun {
		return article.Draft{}, &wechat.ConfigError{Missing: "thumb_media_id (no uploaded cover image)"}
	}
	if !dryRun && !wechat.HasCredentials(settings) {
		return article.Draft{}, &wechat.ConfigError{Missing: "app_id/app_secret"}
	}

	content := wechat.DraftContent{
		Title:           title,
		Author:          author,
		Digest:          digest,
		HTML:            sess.Formatted.HTML,
		TranslationText: sess.Translation.Text,
		SourceURL:       sess.SourceURL,
		ThumbMediaID:    thumb,
	}

	var draft article.Draft
	doDraft := func(token string) error {
		d, err := o.publisher.CreateDraft(ctx, content, sess.Uploads, wechat.UploadOptions{AccessToken: token, DryRun: dryRun})
		if err != nil {
			return err
		}
		draft = d
		return nil
	}

	var err error
	if dryRun {
		err = doDraft("")
	} else {
		err = o.retry.WithAuthRetry(ctx, doDraft)
	}
	if err != nil {
		return article.Draft{}, err
	}

	o.mutate(sess.Key, func(s *article.Session) { s.Draft = &draft })
	o.appendHistory(sess.Key)
	return draft, nil
}

// DraftOverrides is the metadata a caller may pin for an on-demand draft.
type DraftOverrides struct {
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	Digest       string `json:"digest,omitempty"`
	ThumbMediaID string `json:"thumbMediaId,omitempty"`
	DryRun       *bool  `json:"dryRun,omitempty"`
}

// RefreshSnapshot re-publishes the latest known snapshot for key (or the
// most recent session when key is empty). New subscribers use this instead
// of historical replay.
func (o *Orchestrator) RefreshSnapshot(key string) {
	if sess := o.sessionFor(key); sess != nil {
		o.bus.Publish(sess)
	}
}

// SessionClosed evicts the session and cleans up its cached images. An
// in-flight run for the key is left to finish on its own.
func (o *Orchestrator) SessionClosed(key string) {
	if sess := o.content.Get(key); sess != nil {
		o.history.ClearImages(sess.SourceURL)
	}
	o.content.Clear(key)
}

// liveSession returns the current snapshot for a run in progress. The session
// can be evicted mid-run by SessionClosed; the run then ends at the next stage
// boundary with a workflow error instead of dereferencing a gone entry.
func (o *Orchestrator) liveSession(key, step string) (*article.Session, error) {
	sess := o.content.Get(key)
	if sess == nil {
		return nil, &WorkflowError{Step: step, Message: "session closed during run", Cause: ErrNoContent}
	}
	return sess, nil
}

func (o *Orchestrator) sessionFor(key string) *article.Session {
	if key != "" {
		return o.content.Get(key)
	}
	return o.content.Latest()
}

// mutate applies fn to the stored session and broadcasts the new snapshot.
// A missing session is left untouched.
func (o *Orchestrator) mutate(key string, fn func(*article.Session)) *article.Session {
	var snapshot *article.Session
	o.content.Update(key, func(s *article.Session) *article.Session {
		if s == nil {
			return nil
		}
		fn(s)
		snapshot = s.Clone()
		return s
	})
	if snapshot != nil {
		o.bus.Publish(snapshot)
	}
	return snapshot
}

func (o *Orchestrator) beginStep(key, step string) {
	ts := o.now()
	o.mutate(key, func(s *article.Session) {
		s.Workflow.CurrentStep = step
		s.Workflow.Steps[step] = article.StepState{Status: article.StepRunning, UpdatedAt: ts}
	})
}

func (o *Orchestrator) completeStep(key, step, warning string) {
	ts := o.now()
	o.mutate(key, func(s *article.Session) {
		s.Workflow.Steps[step] = article.StepState{Status: article.StepDone, UpdatedAt: ts, Warning: warning}
	})
}

func (o *Orchestrator) appendHistory(key string) {
	sess := o.content.Get(key)
	if sess == nil || sess.SourceURL == "" {
		return
	}
	entry := store.HistoryEntry{
		SourceURL:   sess.SourceURL,
		Title:       sess.TitleTask.Text,
		Translation: sess.Translation.Text,
		HTML:        sess.Formatted.HTML,
		Markdown:    sess.Formatted.Markdown,
	}
	if entry.Title == "" {
		entry.Title = sess.Title
	}
	if sess.Draft != nil {
		entry.DraftMediaID = sess.Draft.MediaID
		entry.DryRun = sess.Draft.DryRun
	}
	o.history.AppendHistory(entry)
}

// prefetch fills in missing image data. Individual fetch failures are
// recorded on the image and do not fail the stage.
func (o *Orchestrator) prefetch(ctx context.Context, images []article.CachedImage) []article.CachedImage {
	if o.fetcher == nil {
		return images
	}
	out := append([]article.CachedImage(nil), images...)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(prefetchConcurrency)
	for i := range out {
		if out[i].DataURL != "" || out[i].URL == "" {
			continue
		}
		i := i
		eg.Go(func() error {
			dataURL, err := o.fetcher.FetchDataURL(ctx, out[i].URL)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].DataURL = dataURL
			out[i].Error = ""
			return nil
		})
	}
	_ = eg.Wait()
	return out
}

func resolveThumb(configured string, uploads []article.Upload) string {
	if configured != "" {
		return configured
	}
	for _, up := range uploads {
		if up.MediaID != "" {
			return up.MediaID
		}
	}
	return ""
}

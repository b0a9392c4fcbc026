// Package spider is the crawl framework: spiders yield requests and items,
// a single-goroutine scheduler owns the queues and per-domain throttling,
// bounded workers perform the transfers, and middleware and pipelines shape
// what flows through.
package spider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"time"

	"github.com/nwerren/crawlbit/session"
)

const (
	pollInterval = 10 * time.Millisecond
	logInterval  = 60 * time.Second
	taskBatch    = 16
)

// queued is a request waiting for admission. A non-nil handle means the
// transfer is resuming (redirect hop or retry) and must not be re-prepared.
type queued struct {
	e   *spiderEntry
	req *Request
	h   *session.Handle
}

type delayed struct {
	readyAt time.Time
	work    *queued
}

// genEntry is a live callback being advanced one yield at a time.
type genEntry struct {
	e    *spiderEntry
	req  *Request
	resp *session.Response
	next func() (any, bool)
	stop func()
}

type domainState struct {
	inflight int
	delay    time.Duration
	last     time.Time
}

type spiderEntry struct {
	sp          Spider
	settings    *Settings
	sess        *session.Session
	task        Task
	middlewares []any
	pipelines   []Pipeline
	robots      *RobotsTxt

	responseCount int
	taskDrained   bool
	// closing stops new work while live callbacks drain; closed is final.
	closing     bool
	closed      bool
	closeReason string
}

// Scheduler drives one or more spiders to completion. All queue and domain
// state belongs to the Run goroutine; workers only perform transfers.
type Scheduler struct {
	base    *Settings
	logger  *slog.Logger
	stats   *Statistics
	entries []*spiderEntry

	pending    []*queued
	delayQueue []*delayed
	generators []*genEntry
	domains    map[string]*domainState
	multi      *Multi
	inflight   int
}

// NewScheduler builds a scheduler over base settings.
func NewScheduler(base *Settings, logger *slog.Logger) *Scheduler {
	if base == nil {
		base = DefaultSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		base:    base,
		logger:  logger.With("component", "scheduler"),
		stats:   NewStatistics(logger),
		domains: map[string]*domainState{},
	}
}

// AddSpider registers a spider with an optional work source. Custom spider
// settings overlay the scheduler's base settings.
func (s *Scheduler) AddSpider(sp Spider, task Task) error {
	st := s.base
	if provider, ok := sp.(SettingsProvider); ok {
		merged, err := st.Apply(provider.CustomSettings())
		if err != nil {
			return fmt.Errorf("spider %s: %w", sp.Name(), err)
		}
		st = merged
	}

	sess := session.New(sp.Name())
	sess.SetLogger(s.logger.With("spider", sp.Name()))
	sess.SetTimeout(st.Download.Timeout, st.Download.ConnectTimeout)
	sess.Verify = st.Download.VerifyTLS
	sess.SetProxy(st.Download.Proxy)
	if st.Retry.Enabled {
		sess.SetRetry(st.Retry.Times, st.Retry.Backoff)
	} else {
		sess.SetRetry(0, nil)
	}
	sess.RetryHTTPCodes = st.Retry.HTTPCodes
	sess.SetHeader("user-agent", st.UserAgent)
	for name, value := range st.Headers {
		sess.SetHeader(name, value)
	}
	if st.Cookies.Enabled {
		if err := sess.SetCookieDB(st.Cookies.DB); err != nil {
			return fmt.Errorf("spider %s: cookie db: %w", sp.Name(), err)
		}
	}

	middlewares, err := buildMiddlewares(st, s.stats, s.logger)
	if err != nil {
		return fmt.Errorf("spider %s: %w", sp.Name(), err)
	}
	pipelines, err := buildPipelines(st, s.logger)
	if err != nil {
		return fmt.Errorf("spider %s: %w", sp.Name(), err)
	}

	entry := &spiderEntry{
		sp:          sp,
		settings:    st,
		sess:        sess,
		task:        task,
		middlewares: middlewares,
		pipelines:   pipelines,
	}
	for _, mw := range middlewares {
		if robots, ok := mw.(*RobotsTxt); ok {
			entry.robots = robots
			robots.DelayFunc = func(host string, delay time.Duration) {
				s.setDomainDelay(host, delay)
			}
		}
	}
	if task == nil {
		entry.taskDrained = true
	}
	s.entries = append(s.entries, entry)
	return nil
}

// setDomainDelay raises the politeness delay for one host.
func (s *Scheduler) setDomainDelay(host string, delay time.Duration) {
	d := s.domain(host, nil)
	if delay > d.delay {
		d.delay = delay
	}
}

func (s *Scheduler) domain(key string, e *spiderEntry) *domainState {
	d := s.domains[key]
	if d == nil {
		d = &domainState{}
		if e != nil {
			d.delay = e.settings.Download.Delay
			if override, ok := e.settings.Download.DelayDomain[key]; ok {
				d.delay = override
			}
		}
		s.domains[key] = d
	}
	return d
}

// Run opens every spider, drives the crawl, and blocks until all spiders
// close or ctx is canceled. On cancellation queued work is pushed back to
// its work source before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		return errors.New("no spiders added")
	}
	concurrent := s.base.Download.Concurrent
	s.multi = NewMulti(concurrent)

	for _, e := range s.entries {
		if err := s.openSpider(e); err != nil {
			return err
		}
	}

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	lastLog := time.Now()

	for {
		if ctx.Err() != nil {
			return s.shutdown(ctx)
		}

		progress := s.releaseDelayed()
		progress = s.stepGenerators() || progress
		s.pullTasks(ctx)
		progress = s.admit(ctx) || progress
		progress = s.drainCompletions(ctx) || progress

		s.closeIdleSpiders()
		if s.allClosed() {
			return nil
		}

		if time.Since(lastLog) >= logInterval {
			s.logProgress()
			lastLog = time.Now()
		}

		if !progress {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pollInterval)
			select {
			case <-ctx.Done():
			case result := <-s.multi.Completions():
				s.handleCompletion(ctx, result)
			case <-timer.C:
			}
		}
	}
}

func (s *Scheduler) openSpider(e *spiderEntry) error {
	s.logger.Info("spider opened", "spider", e.sp.Name())
	for _, p := range e.pipelines {
		if opener, ok := p.(PipelineOpener); ok {
			if err := opener.Open(e.sp); err != nil {
				return fmt.Errorf("spider %s: open pipeline: %w", e.sp.Name(), err)
			}
		}
	}
	for _, mw := range e.middlewares {
		if opener, ok := mw.(SpiderOpener); ok {
			opener.SpiderOpened(e.sp)
		}
	}
	if initializer, ok := e.sp.(Initializer); ok {
		if err := initializer.Init(e.sess); err != nil {
			return fmt.Errorf("spider %s: init: %w", e.sp.Name(), err)
		}
	}

	switch sp := e.sp.(type) {
	case Starter:
		s.addGenerator(e, nil, nil, sp.StartRequests())
	case URLLister:
		for _, seed := range sp.StartURLs() {
			s.enqueue(&queued{e: e, req: &Request{URL: seed, OriginURL: seed}}, false)
		}
	}
	return nil
}

// addGenerator registers a callback sequence for single-step advancement.
func (s *Scheduler) addGenerator(e *spiderEntry, req *Request, resp *session.Response, seq iter.Seq[any]) {
	next, stop := iter.Pull(seq)
	s.generators = append(s.generators, &genEntry{e: e, req: req, resp: resp, next: next, stop: stop})
}

// stepGenerators advances each live callback by one yield, while the
// pending queue has headroom. Yielded requests inherit the referer and
// origin of the response that produced them.
func (s *Scheduler) stepGenerators() bool {
	if len(s.pending) >= 2*s.base.Download.Concurrent {
		return false
	}
	progress := false
	kept := s.generators[:0]
	for _, g := range s.generators {
		if g.e.closed {
			g.stop()
			continue
		}
		value, ok := g.next()
		if !ok {
			g.stop()
			continue
		}
		progress = true
		s.dispatchYield(g, value)
		kept = append(kept, g)
	}
	s.generators = kept
	return progress
}

func (s *Scheduler) dispatchYield(g *genEntry, value any) {
	switch v := value.(type) {
	case *Request:
		// Requests released from robots.txt parking keep whatever referer
		// they were queued with; the robots fetch is not their parent.
		robotsRelease := g.req != nil && g.req.Meta != nil && g.req.Meta["robots"] == true
		if g.resp != nil && !robotsRelease {
			if v.Referer == "" {
				v.Referer = g.resp.URL
			}
			persist := v.Meta == nil || v.Meta["url_persist"] != false
			if v.OriginURL == "" && g.req != nil && persist {
				v.OriginURL = g.req.OriginURL
			}
		}
		s.enqueue(&queued{e: g.e, req: v}, g.e.settings.Queue.DepthPriority == "dfo")
	case Item:
		s.processItem(g.e, v)
	case *CloseSpider:
		s.closeSpider(g.e, v.Reason)
	case nil:
	default:
		s.logger.Warn("callback yielded unsupported value",
			"spider", g.e.sp.Name(), "type", fmt.Sprintf("%T", value))
	}
}

func (s *Scheduler) processItem(e *spiderEntry, item Item) {
	for _, p := range e.pipelines {
		out, err := p.ProcessItem(item, e.sp)
		if err != nil {
			var drop *DropItem
			var stop *CloseSpider
			switch {
			case errors.As(err, &drop):
				s.stats.CountItem(e.sp, true)
				s.logger.Debug("item dropped", "spider", e.sp.Name(), "reason", drop.Reason)
			case errors.As(err, &stop):
				s.closeSpider(e, stop.Reason)
			default:
				s.stats.CountItem(e.sp, true)
				s.logger.Error("pipeline failed", "spider", e.sp.Name(), "error", err)
			}
			return
		}
		if out != nil {
			item = out
		}
	}
	s.stats.CountItem(e.sp, false)
}

func (s *Scheduler) enqueue(w *queued, front bool) {
	if w.e.closed || w.e.closing {
		return
	}
	if front {
		s.pending = append([]*queued{w}, s.pending...)
	} else {
		s.pending = append(s.pending, w)
	}
}

// pullTasks refills from each spider's work source when its share of the
// queue runs low.
func (s *Scheduler) pullTasks(ctx context.Context) {
	if len(s.pending) >= s.base.Download.Concurrent {
		return
	}
	for _, e := range s.entries {
		if e.closed || e.closing || e.task == nil {
			continue
		}
		values, err := e.task.Get(ctx, taskBatch)
		if err != nil {
			s.logger.Error("work source failed", "spider", e.sp.Name(), "error", err)
			continue
		}
		if len(values) == 0 {
			e.taskDrained = !e.task.Persistent()
			continue
		}
		e.taskDrained = false
		for _, value := range values {
			req := s.taskRequest(e, value)
			if req != nil {
				s.enqueue(&queued{e: e, req: req}, false)
			}
		}
	}
}

func (s *Scheduler) taskRequest(e *spiderEntry, value string) *Request {
	if builder, ok := e.sp.(TaskRequestBuilder); ok {
		req := builder.MakeRequestFromTask(value)
		if req != nil && req.OriginURL == "" {
			req.OriginURL = value
		}
		return req
	}
	return &Request{URL: value, OriginURL: value}
}

// admit moves runnable requests from the queue into the fetch pool,
// honoring the global cap, per-host cap, and per-host delay. The queue is
// detached before the loop: startFetch and the middlewares it runs enqueue
// new work (robots.txt fetches, replacements, retries), and those must not
// land in the slice being compacted.
func (s *Scheduler) admit(ctx context.Context) bool {
	progress := false
	now := time.Now()
	pending := s.pending
	s.pending = nil
	kept := pending[:0]
	for i, w := range pending {
		if w.e.closed || w.e.closing {
			continue
		}
		if s.inflight >= s.base.Download.Concurrent {
			kept = append(kept, pending[i:]...)
			break
		}
		key, ok := s.domainKey(w)
		if !ok {
			s.handleException(ctx, w, fmt.Errorf("%w: unparseable url %q", session.ErrInvalidRequest, w.req.URL))
			continue
		}
		d := s.domain(key, w.e)
		if d.inflight >= w.e.settings.Download.ConcurrentDomain {
			kept = append(kept, w)
			continue
		}
		if wait := d.delay - now.Sub(d.last); wait > 0 {
			s.delayQueue = append(s.delayQueue, &delayed{readyAt: now.Add(wait), work: w})
			continue
		}
		if s.startFetch(ctx, w, d) {
			progress = true
		}
	}
	s.pending = append(s.pending, kept...)
	return progress
}

// domainKey is the throttle key for a request, the URL host.
func (s *Scheduler) domainKey(w *queued) (string, bool) {
	raw := w.req.URL
	if w.h != nil {
		raw = w.h.URL()
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", false
	}
	return u.Hostname(), true
}

// startFetch runs the request middleware chain and hands the transfer to
// the pool. Resumed handles (redirects, retries) skip the chain.
func (s *Scheduler) startFetch(ctx context.Context, w *queued, d *domainState) bool {
	e := w.e
	if w.h == nil {
		replacement, err := s.processRequestChain(w)
		if err != nil {
			switch {
			case errors.Is(err, ErrIgnoreRequest), errors.Is(err, ErrHoldRequest):
				if replacement != nil {
					s.scheduleValue(e, replacement)
				}
				return true
			case errors.Is(err, ErrRetryRequest):
				w.req.retry = true
				s.enqueue(w, false)
				return true
			default:
				var stop *CloseSpider
				if errors.As(err, &stop) {
					s.closeSpider(e, stop.Reason)
					return true
				}
				s.handleException(ctx, w, err)
				return true
			}
		}
		if replacement != nil {
			if resp, ok := replacement.(*session.Response); ok {
				s.dispatchResponse(e, w.req, resp)
			} else {
				s.scheduleValue(e, replacement)
			}
			return true
		}

		h, err := s.prepareHandle(w)
		if err != nil {
			s.handleException(ctx, w, err)
			return true
		}
		w.h = h
	}

	d.inflight++
	d.last = time.Now()
	s.inflight++
	s.multi.Add(ctx, w)
	return true
}

// processRequestChain runs ProcessRequest through the middlewares in
// order. The first non-nil value or error wins.
func (s *Scheduler) processRequestChain(w *queued) (any, error) {
	for _, mw := range w.e.middlewares {
		proc, ok := mw.(RequestProcessor)
		if !ok {
			continue
		}
		value, err := proc.ProcessRequest(w.req, w.e.sp)
		if err != nil || value != nil {
			return value, err
		}
	}
	return nil, nil
}

// scheduleValue enqueues middleware-returned work: a request or a batch.
func (s *Scheduler) scheduleValue(e *spiderEntry, value any) {
	switch v := value.(type) {
	case *Request:
		s.enqueue(&queued{e: e, req: v}, true)
	case []*Request:
		for _, req := range v {
			s.enqueue(&queued{e: e, req: req}, false)
		}
	}
}

func (s *Scheduler) prepareHandle(w *queued) (*session.Handle, error) {
	e := w.e
	opt := w.req.Options
	if opt == nil {
		opt = &session.Options{}
	}
	if opt.AllowRedirects == nil && !e.settings.Redirect.Enabled {
		disabled := false
		opt.AllowRedirects = &disabled
	}
	h, err := e.sess.Prepare(w.req.method(), w.req.URL, opt)
	if err != nil {
		return nil, err
	}
	if w.req.Referer != "" {
		h.SetHeader("Referer", w.req.Referer)
		h.Request.Referer = w.req.Referer
	}
	h.Request.OriginURL = w.req.OriginURL
	if w.req.Meta != nil {
		for k, v := range w.req.Meta {
			h.Meta[k] = v
		}
	}
	return h, nil
}

// drainCompletions consumes every finished transfer without blocking.
func (s *Scheduler) drainCompletions(ctx context.Context) bool {
	progress := false
	for {
		select {
		case result := <-s.multi.Completions():
			s.handleCompletion(ctx, result)
			progress = true
		default:
			return progress
		}
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, result *Result) {
	w := result.Work
	e := w.e
	h := w.h
	s.inflight--
	if key, ok := s.domainKey(w); ok {
		s.domain(key, e).inflight--
	}
	if e.closed {
		return
	}

	if result.Err != nil {
		var perr *session.PerformError
		if errors.As(result.Err, &perr) && session.RetryableErrno(perr.Errno) && h.Retry < h.MaxRetry {
			s.requeueRetry(w, perr.Error())
			return
		}
		s.handleException(ctx, w, result.Err)
		return
	}

	e.sess.HarvestCookies(h, result.Mark, time.Now())

	status := h.Status()
	if h.AllowRedirects && isRedirectStatus(status) {
		if err := e.sess.FollowRedirect(h); err != nil {
			s.handleException(ctx, w, err)
			return
		}
		s.enqueue(w, true)
		return
	}

	if e.settings.Retry.Enabled && h.RetryHTTPCodes[status] && h.Retry < h.MaxRetry {
		s.requeueRetry(w, fmt.Sprintf("status %d", status))
		return
	}

	resp := e.sess.BuildResponse(h, h.Request.Cookies)
	resp.Meta = h.Meta
	s.dispatchResponse(e, w.req, resp)
}

func (s *Scheduler) requeueRetry(w *queued, why string) {
	h := w.h
	h.Retry++
	w.req.retry = true
	h.ResetResponse()
	backoff := h.RetryBackoff()
	s.logger.Debug("retrying", "url", h.URL(), "attempt", h.Retry, "reason", why)
	if backoff > 0 {
		s.delayQueue = append(s.delayQueue, &delayed{readyAt: time.Now().Add(backoff), work: w})
	} else {
		s.enqueue(w, false)
	}
}

// dispatchResponse runs the response middleware chain in reverse order and
// starts the callback generator.
func (s *Scheduler) dispatchResponse(e *spiderEntry, req *Request, resp *session.Response) {
	for i := len(e.middlewares) - 1; i >= 0; i-- {
		proc, ok := e.middlewares[i].(ResponseProcessor)
		if !ok {
			continue
		}
		value, err := proc.ProcessResponse(req, resp, e.sp)
		if err != nil {
			switch {
			case errors.Is(err, ErrIgnoreRequest), errors.Is(err, ErrHoldRequest):
			case errors.Is(err, ErrRetryRequest):
				req.retry = true
				s.enqueue(&queued{e: e, req: req}, false)
			default:
				var stop *CloseSpider
				if errors.As(err, &stop) {
					s.closeSpider(e, stop.Reason)
				} else {
					s.logger.Error("response middleware failed",
						"spider", e.sp.Name(), "url", resp.URL, "error", err)
				}
			}
			return
		}
		if value != nil {
			if replaced, ok := value.(*session.Response); ok {
				resp = replaced
				continue
			}
			s.scheduleValue(e, value)
			return
		}
	}

	e.responseCount++

	cb := req.Callback
	if cb == nil {
		cb = e.sp.Parse
	}
	s.addGenerator(e, req, resp, cb(resp))

	limit := e.settings.Queue.ClosePageCount
	if limit > 0 && e.responseCount >= limit && !e.closing {
		e.closing = true
		e.closeReason = "page count reached"
		s.logger.Info("page count reached, draining", "spider", e.sp.Name(), "pages", e.responseCount)
	}
}

// handleException runs the exception middleware chain in reverse order.
// Middleware may substitute work; otherwise the failure is logged.
func (s *Scheduler) handleException(ctx context.Context, w *queued, failure error) {
	e := w.e
	if e == nil || e.closed {
		return
	}
	for i := len(e.middlewares) - 1; i >= 0; i-- {
		proc, ok := e.middlewares[i].(ExceptionProcessor)
		if !ok {
			continue
		}
		value, err := proc.ProcessException(w.req, e.sp, failure)
		if value != nil {
			s.scheduleValue(e, value)
		}
		if err != nil {
			if errors.Is(err, ErrRetryRequest) {
				w.req.retry = true
				s.enqueue(&queued{e: e, req: w.req}, false)
			}
			// ErrIgnoreRequest and the rest end propagation.
			return
		}
		if value != nil {
			return
		}
	}
	s.logger.Error("request failed",
		"spider", e.sp.Name(), "request", w.req.String(), "error", failure)
}

func (s *Scheduler) releaseDelayed() bool {
	if len(s.delayQueue) == 0 {
		return false
	}
	now := time.Now()
	progress := false
	kept := s.delayQueue[:0]
	for _, d := range s.delayQueue {
		if now.Before(d.readyAt) {
			kept = append(kept, d)
			continue
		}
		s.enqueue(d.work, false)
		progress = true
	}
	s.delayQueue = kept
	return progress
}

// closeIdleSpiders closes spiders with nothing left to do: no queued or
// delayed work, no live generators, no transfers in flight, and a drained
// work source.
func (s *Scheduler) closeIdleSpiders() {
	if s.inflight > 0 {
		return
	}
	for _, e := range s.entries {
		if e.closed || (!e.taskDrained && !e.closing) {
			continue
		}
		if s.hasWork(e) {
			continue
		}
		reason := e.closeReason
		if reason == "" {
			reason = "finished"
		}
		s.closeSpider(e, reason)
	}
}

func (s *Scheduler) hasWork(e *spiderEntry) bool {
	for _, w := range s.pending {
		if w.e == e {
			return true
		}
	}
	for _, d := range s.delayQueue {
		if d.work.e == e {
			return true
		}
	}
	for _, g := range s.generators {
		if g.e == e {
			return true
		}
	}
	if e.robots != nil && e.robots.parkedCount() > 0 {
		return true
	}
	return false
}

func (s *Scheduler) allClosed() bool {
	for _, e := range s.entries {
		if !e.closed {
			return false
		}
	}
	return true
}

func (s *Scheduler) closeSpider(e *spiderEntry, reason string) {
	if e.closed {
		return
	}
	e.closed = true
	e.closeReason = reason

	for _, mw := range e.middlewares {
		if closer, ok := mw.(SpiderCloser); ok {
			closer.SpiderClosed(e.sp, reason)
		}
	}
	for _, p := range e.pipelines {
		if closer, ok := p.(PipelineCloser); ok {
			if err := closer.Close(e.sp); err != nil {
				s.logger.Error("pipeline close failed", "spider", e.sp.Name(), "error", err)
			}
		}
	}
	if closer, ok := e.sp.(Closer); ok {
		closer.Closed(reason)
	}
	if err := e.sess.Close(); err != nil {
		s.logger.Error("session close failed", "spider", e.sp.Name(), "error", err)
	}
	if e.task != nil {
		if err := e.task.Close(); err != nil {
			s.logger.Error("work source close failed", "spider", e.sp.Name(), "error", err)
		}
	}

	s.logger.Info("spider closed", "spider", e.sp.Name(), "reason", reason,
		"stats", s.dumpStats(e))
}

func (s *Scheduler) dumpStats(e *spiderEntry) map[string]any {
	out := map[string]any{}
	for _, mw := range e.middlewares {
		if dumper, ok := mw.(StatsDumper); ok {
			for k, v := range dumper.DumpStats(e.sp) {
				out[k] = v
			}
		}
	}
	return out
}

func (s *Scheduler) logProgress() {
	for _, e := range s.entries {
		if e.closed {
			continue
		}
		s.logger.Info("progress", "spider", e.sp.Name(),
			"pending", len(s.pending), "inflight", s.inflight,
			"stats", s.dumpStats(e))
	}
}

// shutdown pushes interrupted work back to the work sources, waits for
// transfers in flight, and closes every spider.
func (s *Scheduler) shutdown(ctx context.Context) error {
	s.logger.Info("interrupt, draining", "inflight", s.inflight, "pending", len(s.pending))
	s.multi.Wait()

	putBack := map[*spiderEntry][]string{}
	collect := func(e *spiderEntry, req *Request) {
		if req.OriginURL != "" {
			putBack[e] = append(putBack[e], req.OriginURL)
		}
	}
	for _, w := range s.pending {
		collect(w.e, w.req)
	}
	for _, d := range s.delayQueue {
		collect(d.work.e, d.work.req)
	}
	for _, g := range s.generators {
		if g.req != nil {
			collect(g.e, g.req)
		}
		g.stop()
	}
	for _, e := range s.entries {
		if e.robots == nil {
			continue
		}
		for _, req := range e.robots.takeParked() {
			collect(e, req)
		}
	}
	for {
		select {
		case result := <-s.multi.Completions():
			collect(result.Work.e, result.Work.req)
			continue
		default:
		}
		break
	}
	s.pending = nil
	s.delayQueue = nil
	s.generators = nil

	putCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for e, values := range putBack {
		if e.task == nil {
			continue
		}
		if err := e.task.Put(putCtx, values); err != nil {
			s.logger.Error("work push-back failed, work lost",
				"spider", e.sp.Name(), "count", len(values), "error", err)
		} else {
			s.logger.Info("pushed work back", "spider", e.sp.Name(), "count", len(values))
		}
	}

	for _, e := range s.entries {
		s.closeSpider(e, "interrupted")
	}
	return ctx.Err()
}

func isRedirectStatus(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// TaskRequestBuilder lets a spider shape seed values from a work source
// into requests.
type TaskRequestBuilder interface {
	MakeRequestFromTask(value string) *Request
}

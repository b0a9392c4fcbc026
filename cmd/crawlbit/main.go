package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nwerren/crawlbit/cookiedb"
	"github.com/nwerren/crawlbit/internal/logging"
	"github.com/nwerren/crawlbit/robotstxt"
	"github.com/nwerren/crawlbit/session"
	"github.com/nwerren/crawlbit/spider"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlbit",
		Short: "crawlbit is a polite, session-aware web crawler",
	}
	cmd.AddCommand(versionCmd(), fetchCmd(), crawlCmd(), robotsCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("crawlbit", Version)
		},
	}
}

func fetchCmd() *cobra.Command {
	var (
		method  string
		headers []string
		data    string
		output  string
		cookies string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Perform a single request and print or save the body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := session.New("fetch")
			defer sess.Close()
			if err := sess.SetCookieDB(":memory:"); err != nil {
				return err
			}
			opt := &session.Options{Timeout: timeout}
			if len(headers) > 0 {
				opt.Headers = headers
			}
			if data != "" {
				opt.Data = data
				if method == "" {
					method = "POST"
				}
			}
			if cookies != "" {
				opt.Cookies = cookies
			}
			if method == "" {
				method = "GET"
			}
			resp, err := sess.Do(cmd.Context(), strings.ToUpper(method), args[0], opt)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d %s (%s, %d bytes)\n",
				resp.Status, resp.URL, resp.Elapsed.Round(time.Millisecond), len(resp.Content))
			if output != "" {
				return resp.Save(output)
			}
			fmt.Print(resp.Text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", "", "HTTP method")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header, as 'Name: value'")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body, form-encoded")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the body to a file")
	cmd.Flags().StringVarP(&cookies, "cookie", "b", "", "cookies, as 'a=1; b=2'")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout")
	return cmd
}

func robotsCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "robots URL",
		Short: "Check whether a URL may be fetched under robots.txt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := url.Parse(args[0])
			if err != nil {
				return err
			}
			sess := session.New("robots")
			defer sess.Close()
			resp, err := sess.Do(cmd.Context(), "GET", u.Scheme+"://"+u.Host+"/robots.txt", nil)
			if err != nil {
				return err
			}
			parser := robotstxt.New()
			parser.SetFetchStatus(resp.Status)
			if resp.Status >= 200 && resp.Status < 300 {
				parser.Parse(resp.Text)
			}
			if parser.CanFetch(agent, args[0]) {
				fmt.Println("allowed")
				return nil
			}
			fmt.Println("disallowed")
			return nil
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "A", "crawlbit", "user agent to evaluate")
	return cmd
}

func crawlCmd() *cobra.Command {
	var (
		configPath string
		output     string
		maxPages   int
		delay      time.Duration
		obeyRobots bool
	)
	cmd := &cobra.Command{
		Use:   "crawl URL...",
		Short: "Crawl seed URLs, following same-site links and collecting page items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := spider.LoadSettings(configPath)
			if err != nil {
				return err
			}
			if output != "" {
				settings.OutputPath = output
			}
			if _, ok := settings.Pipelines["jsonl"]; !ok {
				settings.Pipelines["jsonl"] = 100
			}
			if maxPages > 0 {
				settings.Queue.ClosePageCount = maxPages
			}
			if delay > 0 {
				settings.Download.Delay = delay
			}
			if cmd.Flags().Changed("obey-robots") {
				settings.Robots.Obey = obeyRobots
			}

			logger, err := logging.New(logging.Options{
				Level:  settings.Logging.Level,
				Format: settings.Logging.Format,
				Output: settings.Logging.Output,
			})
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			sched := spider.NewScheduler(settings, logger)
			if err := sched.AddSpider(&siteSpider{seeds: args}, spider.NewMemoryTask(nil)); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			interrupts := make(chan os.Signal, 2)
			signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-interrupts
				logger.Info("interrupt received, finishing in-flight requests")
				cancel()
				<-interrupts
				logger.Error("second interrupt, exiting now")
				os.Exit(1)
			}()

			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "items output path (jsonl)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "stop after this many pages")
	cmd.Flags().DurationVar(&delay, "delay", 0, "per-domain politeness delay")
	cmd.Flags().BoolVar(&obeyRobots, "obey-robots", true, "honor robots.txt")
	return cmd
}

// siteSpider follows links inside the registrable domains of its seeds and
// emits one item per page.
type siteSpider struct {
	seeds []string
}

func (s *siteSpider) Name() string { return "site" }

func (s *siteSpider) StartURLs() []string { return s.seeds }

func (s *siteSpider) Parse(resp *session.Response) iter.Seq[any] {
	return func(yield func(any) bool) {
		item := spider.Item{
			"url":    resp.URL,
			"status": resp.Status,
			"title":  resp.Title(),
		}
		if !yield(item) {
			return
		}
		base, err := url.Parse(resp.URL)
		if err != nil {
			return
		}
		site := cookiedb.RegistrableDomain(base.Hostname())
		for _, href := range resp.XPath("//a/@href").GetAll() {
			next := resp.URLJoin(href)
			u, err := url.Parse(next)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				continue
			}
			if cookiedb.RegistrableDomain(u.Hostname()) != site {
				continue
			}
			u.Fragment = ""
			if !yield(spider.NewRequest(u.String(), s.Parse)) {
				return
			}
		}
	}
}

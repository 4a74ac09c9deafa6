package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tanq16/rangeget/download"
	"github.com/tanq16/rangeget/utils"
)

var (
	output      string
	connections int
	blockSize   int64
	timeout     time.Duration
	interval    time.Duration
	userAgent   string
	proxyURL    string
	verifyTLS   bool
	debug       bool
	urlListFile string
	headers     []string
	withSHA1    bool
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "rangeget [URL]",
	Short:   "rangeget is a fast multi-connection download tool",
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			utils.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			utils.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}

		var entries []utils.DownloadEntry
		if urlListFile != "" {
			var err error
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Error reading URL list: %v", err))
				os.Exit(1)
			}
		} else {
			entries = []utils.DownloadEntry{{URL: args[0], OutputPath: output}}
		}

		failed := 0
		for _, entry := range entries {
			if err := runDownload(entry); err != nil {
				failed++
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func runDownload(entry utils.DownloadEntry) error {
	log := utils.GetLogger("cli").With().Str("jobId", uuid.NewString()[:8]).Logger()

	prefs := download.Preferences{
		Connections: connections,
		BlockSize:   blockSize,
		Interval:    interval,
		Timeout:     timeout,
		Headers:     parseHeaders(headers),
		UserAgent:   userAgent,
		ProxyURL:    proxyURL,
		VerifyTLS:   verifyTLS,
	}

	outputPath := entry.OutputPath
	if outputPath == "" {
		outputPath = resolveOutputPath(entry.URL, prefs.Headers)
	}
	log.Debug().Str("url", entry.URL).Str("output", outputPath).Msg("Starting download")

	// Ctrl-C flips the callback to report cancellation
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	defer close(quit)
	go func() {
		select {
		case <-sigCh:
			interrupted.Store(true)
		case <-quit:
		}
	}()

	tracker := utils.NewProgressTracker(filepath.Base(outputPath))
	var processed int64
	progress := func(total, done int64) bool {
		processed = done
		tracker.Update(total, done)
		return !interrupted.Load()
	}

	err := download.DownloadFile(entry.URL, outputPath, progress, prefs)
	tracker.Done(processed, err)
	if err != nil {
		log.Debug().Err(err).Msg("Download failed")
		return err
	}

	if withSHA1 {
		digest, derr := fileSHA1(outputPath)
		if derr != nil {
			utils.PrintError(fmt.Sprintf("SHA1 failed: %v", derr))
			return derr
		}
		utils.PrintSuccess("SHA1 " + digest)
	}
	return nil
}

// resolveOutputPath asks the server for a Content-Disposition name and
// falls back to the URL basename.
func resolveOutputPath(url string, hdrs map[string]string) string {
	if attr, err := download.GetFileAttribute(url, hdrs, 0); err == nil {
		if name := utils.FilenameFromHeader(attr.Header); name != "" {
			return name
		}
	}
	return utils.FilenameFromURL(url)
}

func parseHeaders(raw []string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	parsed := make(map[string]string, len(raw))
	for _, h := range raw {
		if key, value, ok := strings.Cut(h, ":"); ok {
			parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return parsed
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "Output file path")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 4, "Number of connections")
	rootCmd.Flags().Int64VarP(&blockSize, "block-size", "b", 1<<20, "Block size in bytes")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Overall retry budget")
	rootCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "Progress update interval")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent (or 'randomize')")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.Flags().BoolVar(&verifyTLS, "verify-tls", false, "Verify TLS certificates")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "YAML file with download list")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra request header 'Key: Value' (repeatable)")
	rootCmd.Flags().BoolVar(&withSHA1, "sha1", false, "Print SHA1 digest after download")
	rootCmd.AddCommand(newCleanCmd())
}

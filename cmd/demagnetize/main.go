package main

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/schollz/progressbar/v3"

	"github.com/jwodder/demagnetize/internal/logic"
	"github.com/jwodder/demagnetize/internal/shared/models"
)

func main() {
	app := kingpin.New("demagnetize", "Convert magnet links to .torrent files")
	logLevel := app.Flag("log-level", "Set logging level").Short('l').
		Default("info").Enum("debug", "info", "warn", "error")

	getCmd := app.Command("get", "Convert one magnet link to a .torrent file")
	getOutfile := getCmd.Flag("outfile", "Output path template; {name} and {hash} expand, \"-\" means stdout").
		Short('o').Default("{name}.torrent").String()
	getMagnet := getCmd.Arg("magnet", "Magnet link").Required().String()

	batchCmd := app.Command("batch", "Convert a file of magnet links to .torrent files")
	batchOutfile := batchCmd.Flag("outfile", "Output path template; {name} and {hash} expand").
		Short('o').Default("{name}.torrent").String()
	batchFile := batchCmd.Arg("file", "File with one magnet link per line").Required().String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	d := logic.New(logger, rand.New(rand.NewSource(time.Now().UnixNano())))
	ctx := context.Background()

	switch command {
	case getCmd.FullCommand():
		magnet, err := models.ParseMagnet(*getMagnet)
		if err != nil {
			logger.Error("invalid magnet link", slog.Any("error", err))
			os.Exit(1)
		}
		if _, err := d.FetchToFile(ctx, magnet, *getOutfile); err != nil {
			logger.Error("failed to fetch magnet", slog.Any("error", err))
			os.Exit(1)
		}

	case batchCmd.FullCommand():
		magnets, ok := readMagnetFile(*batchFile, logger)
		if len(magnets) == 0 {
			logger.Info("no magnet links to fetch")
			if !ok {
				os.Exit(1)
			}
			return
		}
		bar := progressbar.Default(int64(len(magnets)), "fetching")
		report := d.Batch(ctx, magnets, *batchOutfile, func() { bar.Add(1) })
		logger.Info("batch complete",
			slog.Int("finished", report.Finished()),
			slog.Int("total", report.Total()))
		if !ok || !report.OK() {
			os.Exit(1)
		}
	}
}

// readMagnetFile reads one magnet per line, skipping blanks and # comments.
// ok is false when the file had unparsable entries.
func readMagnetFile(path string, logger *slog.Logger) ([]models.Magnet, bool) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("cannot open magnet file", slog.Any("error", err))
		return nil, false
	}
	defer f.Close()

	ok := true
	var magnets []models.Magnet
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		magnet, err := models.ParseMagnet(line)
		if err != nil {
			logger.Error("invalid magnet link", slog.String("line", line), slog.Any("error", err))
			ok = false
			continue
		}
		magnets = append(magnets, magnet)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("error reading magnet file", slog.Any("error", err))
		ok = false
	}
	return magnets, ok
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

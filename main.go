package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Charana123/bitswarm/go-torrent/config"
	"github.com/Charana123/bitswarm/go-torrent/download"
	"github.com/Charana123/bitswarm/go-torrent/torrent"
	"github.com/dustin/go-humanize"
	"github.com/jpillora/opts"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var VERSION = "0.0.0-src" //set with ldflags

type root struct{}

type downloadCmd struct {
	Config  string `opts:"help=path to bitswarm.yaml (searched in /etc/bitswarm and $HOME/.bitswarm when unset)"`
	Debug   bool   `opts:"help=log protocol traffic"`
	Torrent string `opts:"mode=arg, help=.torrent file to download and seed"`
}

func (c *downloadCmd) Run() error {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, c.Config)
	if err != nil {
		return err
	}
	setupLogging(c.Debug || cfg.Debug)

	d, err := download.NewDownload(fs, cfg, c.Torrent)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Int("port", d.Port()).Str("directory", cfg.DownloadDirectory).Msgf("starting %s", d.Torrent().Name)
	return d.Run(ctx)
}

type createCmd struct {
	Announce    []string `opts:"help=tracker URL (repeatable)"`
	PieceLength int64    `opts:"help=piece length in bytes (default 32768)"`
	Comment     string   `opts:"help=free-form comment"`
	Private     bool     `opts:"help=set the private flag"`
	Output      string   `opts:"help=output file (default <name>.torrent)"`
	Path        string   `opts:"mode=arg, help=file or directory to describe"`
}

func (c *createCmd) Run() error {
	setupLogging(false)
	fs := afero.NewOsFs()
	o := torrent.CreateOptions{
		Trackers:    c.Announce,
		PieceLength: c.PieceLength,
		Comment:     c.Comment,
	}
	if c.Private {
		o.Private = &c.Private
	}
	tor, err := torrent.Create(fs, filepath.Clean(c.Path), o)
	if err != nil {
		return err
	}
	out := c.Output
	if out == "" {
		out = tor.Name + ".torrent"
	}
	if err := tor.WriteFile(fs, out); err != nil {
		return err
	}
	fmt.Printf("%s: %d files, %s in %d pieces, infohash %x\n",
		out, len(tor.Files), humanize.Bytes(uint64(tor.Length)), tor.NumPieces(), tor.InfoHash)
	return nil
}

func setupLogging(debug bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	opts.New(&root{}).
		Name("bitswarm").
		Version(VERSION).
		AddCommand(opts.New(&downloadCmd{}).Name("download")).
		AddCommand(opts.New(&createCmd{}).Name("create")).
		Parse().
		RunFatal()
}

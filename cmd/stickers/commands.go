package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"emoji-sticker-bot/internal/config"
	"emoji-sticker-bot/internal/download"
	"emoji-sticker-bot/internal/gemini"
	"emoji-sticker-bot/internal/generation"
	"emoji-sticker-bot/internal/httpclient"
	"emoji-sticker-bot/internal/sticker"
)

// GeneratorFactory builds the image generator for a generate run.
type GeneratorFactory func(ctx context.Context, cfg config.Config, logger *slog.Logger) (generation.Generator, error)

func geminiGenerator(ctx context.Context, cfg config.Config, logger *slog.Logger) (generation.Generator, error) {
	return gemini.New(ctx, gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		APIVersion: cfg.GeminiAPIVersion,
		Model:      cfg.GeminiModel,
		HTTPClient: httpclient.New(httpclient.Options{
			PreferIPv4: cfg.PreferIPv4,
			Timeout:    cfg.HTTPTimeout,
		}),
		Logger: logger,
	})
}

// NewRootCommand builds the stickers CLI. A nil factory uses Gemini.
func NewRootCommand(factory GeneratorFactory) *cobra.Command {
	if factory == nil {
		factory = geminiGenerator
	}

	rootCmd := &cobra.Command{
		Use:          "stickers",
		Short:        "Generate expression stickers from a portrait",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newGenerateCommand(factory))
	rootCmd.AddCommand(newCatalogCommand())
	return rootCmd
}

type generateFlags struct {
	image      string
	presets    []string
	custom     []string
	style      string
	background string
	out        string
	delay      time.Duration
}

func newGenerateCommand(factory GeneratorFactory) *cobra.Command {
	var f generateFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one sticker per expression and save them as emoji-N.png",
		Example: `  stickers generate --image me.jpg --expr 开心 --expr 生气
  stickers generate --image me.png --custom 眨眼 --style 像素风 --background transparent --out ./out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, f, factory)
		},
	}

	cmd.Flags().StringVarP(&f.image, "image", "i", "", "Portrait image file")
	cmd.Flags().StringArrayVarP(&f.presets, "expr", "e", nil, "Preset expression (repeatable)")
	cmd.Flags().StringArrayVarP(&f.custom, "custom", "c", nil, fmt.Sprintf("Custom expression (repeatable, up to %d)", sticker.CustomSlots))
	cmd.Flags().StringVarP(&f.style, "style", "s", sticker.DefaultStyle(), "Art style")
	cmd.Flags().StringVarP(&f.background, "background", "b", string(sticker.DefaultBackground()), "Background: bordered or transparent")
	cmd.Flags().StringVarP(&f.out, "out", "o", ".", "Output directory")
	cmd.Flags().DurationVar(&f.delay, "delay", 0, "Delay between requests (default STEP_DELAY_SECONDS)")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func buildSelection(f generateFlags) (*sticker.Selection, error) {
	sel := sticker.NewSelection()
	for _, expr := range f.presets {
		if !sticker.IsPresetExpression(expr) {
			return nil, fmt.Errorf("unknown preset expression %q; see `stickers catalog`", expr)
		}
		if !sel.HasPreset(expr) {
			sel.TogglePreset(expr)
		}
	}
	if len(f.custom) > sticker.CustomSlots {
		return nil, fmt.Errorf("at most %d custom expressions", sticker.CustomSlots)
	}
	for i, v := range f.custom {
		if err := sel.SetCustom(i, v); err != nil {
			return nil, err
		}
	}
	if err := sel.SetStyle(f.style); err != nil {
		return nil, err
	}
	if err := sel.SetBackground(f.background); err != nil {
		return nil, err
	}
	return sel, nil
}

func readPortrait(path string) (*sticker.UploadedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, ok, err := sticker.DecodeUpload(file, mime.TypeByExtension(strings.ToLower(filepath.Ext(path))))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s is not an image", path)
	}
	return &img, nil
}

func runGenerate(cmd *cobra.Command, f generateFlags, factory GeneratorFactory) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLoggerTo(cmd.ErrOrStderr(), cfg)

	sel, err := buildSelection(f)
	if err != nil {
		return err
	}
	img, err := readPortrait(f.image)
	if err != nil {
		return err
	}

	delay := cfg.StepDelay
	if cmd.Flags().Changed("delay") {
		delay = f.delay
	}

	gen, err := factory(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gallery := sticker.NewGallery()
	orch, err := generation.New(generation.Options{
		Generator: gen,
		Sink:      gallery,
		StepDelay: delay,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	expressions := sel.Effective()
	fmt.Fprintf(out, "Generating %d stickers (%s, %s)\n", len(expressions), sel.Style(), sel.Background().Name())

	n := 0
	runErr := orch.Run(ctx, generation.Input{
		Image:       img,
		Expressions: expressions,
		Style:       sel.Style(),
		Background:  sel.Background(),
		OnImage: func(g sticker.GeneratedImage) {
			n++
			fmt.Fprintf(out, "  #%d %s\n", n, g.Prompt)
		},
	})

	// Images produced before an abort are still saved.
	urls := make([]string, 0, gallery.Len())
	for _, g := range gallery.Images() {
		urls = append(urls, g.URL)
	}
	dispatcher, err := download.New(download.Options{
		Saver:  download.DirSaver{Dir: f.out},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	saved, saveErr := dispatcher.Dispatch(ctx, urls)
	if saved > 0 {
		fmt.Fprintf(out, "Saved %d stickers to %s\n", saved, f.out)
	}

	var re *generation.RunError
	if errors.As(runErr, &re) {
		return errors.Join(errors.New(re.Message), saveErr)
	}
	return errors.Join(runErr, saveErr)
}

func newCatalogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List preset expressions, styles and backgrounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Expressions:")
			for _, e := range sticker.PresetExpressions() {
				fmt.Fprintf(out, "  %s\n", e)
			}

			fmt.Fprintln(out, "Styles:")
			for _, s := range sticker.Styles() {
				fmt.Fprintf(out, "  %s\t%s\n", s.Name, s.Description)
			}

			fmt.Fprintln(out, "Backgrounds:")
			for _, b := range sticker.Backgrounds() {
				fmt.Fprintf(out, "  %s\t%s\n", b.ID, b.Name)
			}
			return nil
		},
	}
}

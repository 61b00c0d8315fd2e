// Command factory generates a batch of character images from themes and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/backend"
	"nuggetfactory/internal/config"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/promptgen"
)

const characterBase = `masterpiece, best quality, amazing quality, very aesthetic, absurdres, newest, depth of field, highres, ` +
	`1girl, solo, full body, centered composition, looking at viewer, ` +
	`(very long black hair:1.4), large purple eyes, soft black eyeliner, makeup shadows, glossy lips, subtle blush, mole on chin, bright pupils, ` +
	`narrow waist, wide hips, cute, wavy hair, ` +
	`(thick black cat tail, long tail, black cat ears), dynamic pose`

const loraWeight = 0.8

var loraKeys = []string{"ladynuggets", "lady_nuggets"}

func main() {
	count := flag.Int("count", 1, "Number of images to generate")
	theme := flag.String("theme", "", "Specific theme to use (random from the themes file when empty)")
	output := flag.String("output", "", "Output directory")
	debug := flag.Bool("debug", false, "Show debug information")
	flag.Parse()

	for _, file := range []string{".env", "config/.env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).WithField("file", file).Warn("Failed to read env file")
		}
	}

	cfg := config.Load()
	if *debug {
		cfg.LogLevel = "debug"
	}
	if *output != "" {
		cfg.Output.Dir = *output
	}
	config.ConfigureGlobalLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if *count < 1 {
		logrus.Fatalf("count must be at least 1, got %d", *count)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	generator, err := backend.NewFactory(config.NewLogger()).CreateGenerator(ctx, cfg, nil)
	if err != nil {
		logrus.Fatalf("Failed to set up %s backend: %v", cfg.Backend.Kind, err)
	}
	transport := generator.Transport()
	if closer, ok := transport.(io.Closer); ok {
		defer closer.Close()
	}

	inv, err := generator.Refresh(ctx)
	if err != nil {
		logrus.Fatalf("Failed to read backend inventory: %v", err)
	}
	logInventory(transport, inv)

	loraBlock := promptgen.LoRABlockFor(transport.Name(), inv.LoRAs, loraKeys, loraWeight)
	switch {
	case loraBlock != "":
		logrus.WithField("loras", loraBlock).Info("LoRA activated")
	case promptgen.LoRABlock(inv.LoRAs, loraKeys, loraWeight) != "":
		logrus.WithField("backend", transport.Name()).Info("Character LoRA found but the backend does not read prompt tags, skipping")
	}

	themes, err := promptgen.LoadThemes(cfg.LLM.ThemesFile)
	if err != nil {
		logrus.Fatalf("Failed to load themes: %v", err)
	}
	logrus.WithField("themes", len(themes)).Info("Themes loaded")

	enhancer := promptgen.New(cfg.LLM)
	logrus.WithField("providers", enhancer.Providers()).Info("Scene prompt providers")

	logrus.WithFields(logrus.Fields{
		"count":  *count,
		"output": cfg.Output.Dir,
	}).Info("Starting batch")

	b := &batch{
		enhancer:  enhancer,
		generator: generator,
		themes:    themes,
		theme:     *theme,
		count:     *count,
		loraBlock: loraBlock,
		pause:     time.Second,
		logger:    logrus.StandardLogger(),
	}
	saved := b.run(ctx)

	logrus.WithFields(logrus.Fields{
		"saved":     saved,
		"requested": *count,
		"location":  cfg.Output.Dir,
	}).Infof("Generation complete: %d/%d images saved", saved, *count)

	if saved == 0 {
		os.Exit(1)
	}
}

func logInventory(transport interfaces.Transport, inv *interfaces.Inventory) {
	logrus.WithFields(logrus.Fields{
		"backend":  transport.Name(),
		"endpoint": transport.Endpoint(),
	}).Info("Connected to backend")

	for _, name := range inv.Checkpoints {
		logrus.WithField("checkpoint", name).Debug("Checkpoint available")
	}
	for _, name := range inv.LoRAs {
		logrus.WithField("lora", name).Debug("LoRA available")
	}
	logrus.WithFields(logrus.Fields{
		"checkpoints": len(inv.Checkpoints),
		"loras":       len(inv.LoRAs),
		"upscalers":   len(inv.Upscalers),
		"scripts":     len(inv.Scripts),
	}).Info("Backend inventory")
}

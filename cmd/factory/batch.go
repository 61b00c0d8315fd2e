package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"nuggetfactory/internal/factory"
	"nuggetfactory/internal/interfaces"
	"nuggetfactory/internal/job"
	"nuggetfactory/internal/promptgen"
)

type generator interface {
	Generate(ctx context.Context, spec job.GenerationSpec) (*factory.Result, error)
}

// batch generates count images, one theme each
type batch struct {
	enhancer  interfaces.PromptEnhancer
	generator generator
	themes    []string
	theme     string // fixed theme; random from themes when empty
	count     int
	loraBlock string
	pause     time.Duration
	logger    *logrus.Logger
}

// run returns the number of images saved. It stops early when ctx is done.
func (b *batch) run(ctx context.Context) int {
	saved := 0
	for i := 0; i < b.count; i++ {
		if ctx.Err() != nil {
			b.logger.WithError(ctx.Err()).WithField("done", i).Warn("Batch interrupted")
			break
		}

		selected := b.theme
		if selected == "" {
			selected = b.themes[rand.Intn(len(b.themes))]
		}
		logger := b.logger.WithFields(logrus.Fields{
			"image": i + 1,
			"of":    b.count,
			"theme": selected,
		})

		scene, err := b.enhancer.Enhance(ctx, selected)
		if err != nil {
			logger.WithError(err).Warn("Batch interrupted before generation")
			break
		}

		result, err := b.generator.Generate(ctx, job.GenerationSpec{
			Prompt: promptgen.Compose(characterBase, scene, b.loraBlock),
		})
		if result != nil && result.Batch != nil {
			saved += result.Batch.SavedCount()
		}
		if err != nil {
			logger.WithError(err).Error("Generation failed")
		} else {
			logger.WithField("job_id", result.Job.ID).Info("Image generated")
		}

		if i < b.count-1 {
			select {
			case <-ctx.Done():
			case <-time.After(b.pause):
			}
		}
	}
	return saved
}

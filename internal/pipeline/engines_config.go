package pipeline

import (
	"fmt"

	"github.com/storyforge/storyforge/pkg/config"
	"github.com/storyforge/storyforge/pkg/engine"
	"github.com/storyforge/storyforge/pkg/logging"
)

// RegisterConfiguredEngines registers a RemoteEngine for every endpoint
// present in the engines configuration and returns the registered names
// keyed by media type, primary endpoint first and fallbacks in their
// configured order. The returned chains feed straight into
// Dispatcher.RegisterMediaPolicy. Media types with no configured
// endpoint are absent from the result.
func RegisterConfiguredEngines(engines *EngineManager, cfg *config.EnginesConfig) (map[engine.MediaType][]string, error) {
	logger := logging.GetLogger()
	chains := make(map[engine.MediaType][]string)

	register := func(mediaType engine.MediaType, prefix, primary string, fallbacks []string) error {
		if primary == "" {
			return nil
		}

		endpoints := append([]string{primary}, fallbacks...)
		for i, endpoint := range endpoints {
			if endpoint == "" {
				continue
			}
			name := prefix + "-primary"
			if i > 0 {
				name = fmt.Sprintf("%s-fallback-%d", prefix, i)
			}

			eng := engine.NewRemoteEngine(engine.EngineConfig{
				Name:           name,
				Endpoint:       endpoint,
				SupportedTypes: []engine.MediaType{mediaType},
				DefaultTimeout: cfg.RequestTimeout,
			}, nil)
			if err := engines.RegisterEngine(name, eng); err != nil {
				return err
			}

			chains[mediaType] = append(chains[mediaType], name)
			logger.Info("Registered generation engine",
				"engine", name,
				"endpoint", endpoint,
				"media_type", string(mediaType))
		}
		return nil
	}

	if err := register(engine.MediaTypeText, "story", cfg.StoryEndpoint, cfg.StoryFallbacks); err != nil {
		return nil, err
	}
	if err := register(engine.MediaTypeImage, "image", cfg.ImageEndpoint, cfg.ImageFallbacks); err != nil {
		return nil, err
	}
	if err := register(engine.MediaTypeVideo, "video", cfg.VideoEndpoint, cfg.VideoFallbacks); err != nil {
		return nil, err
	}
	if err := register(engine.MediaTypeTTS, "tts", cfg.TTSEndpoint, cfg.TTSFallbacks); err != nil {
		return nil, err
	}

	return chains, nil
}

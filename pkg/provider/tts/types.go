package tts

import "github.com/parley-ai/parley/pkg/types"

// VoiceProfile aliases the shared voice profile type so provider packages can
// refer to it without importing pkg/types directly.
type VoiceProfile = types.VoiceProfile

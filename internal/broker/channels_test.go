package broker_test

import (
	"testing"

	"github.com/parley-ai/parley/internal/broker"
)

func TestPerConversationNames(t *testing.T) {
	t.Parallel()

	const id = "4f9a2b1c"

	if got := broker.AudioOutputChannel(id); got != "audio_output_stream:"+id {
		t.Errorf("AudioOutputChannel = %q", got)
	}
	if got := broker.HistoryKey(id); got != "conversation_history:"+id {
		t.Errorf("HistoryKey = %q", got)
	}
	if got := broker.ConfigKey(id); got != "conversation_config:"+id {
		t.Errorf("ConfigKey = %q", got)
	}
	if got := broker.TTSActiveKey(id); got != "tts_active:"+id {
		t.Errorf("TTSActiveKey = %q", got)
	}
}

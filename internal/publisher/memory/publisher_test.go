package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(t.Context(), "job-outcomes", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	require.Equal(t, "mem-1", id)

	messages := p.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, "job-outcomes", messages[0].Topic)
}

func TestPublishConcurrent(t *testing.T) {
	t.Parallel()

	p := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Publish(t.Context(), "job-outcomes", nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Len(t, p.Messages(), 20)
}

package pipeline

import (
	"fmt"
	"testing"

	"github.com/theirongolddev/tokmon/internal/model"
)

func BenchmarkRecord(b *testing.B) {
	agg := NewAggregator()
	r := rec("gpt-4", 100, 50)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		agg.Record(r)
	}
}

func BenchmarkRecordParallel(b *testing.B) {
	agg := NewAggregator()
	models := make([]string, 8)
	for i := range models {
		models[i] = fmt.Sprintf("model-%d", i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			agg.Record(rec(models[i%len(models)], 100, 50))
			i++
		}
	})
}

func BenchmarkHandleStreamedExchange(b *testing.B) {
	body := []byte{}
	for i := 0; i < 200; i++ {
		body = append(body, `data: {"model":"gpt-4o","choices":[{"delta":{"content":"tok"}}]}`+"\n\n"...)
	}
	body = append(body, `data: {"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":200,"total_tokens":210}}`+"\n\ndata: [DONE]\n\n"...)

	p := New(NewAggregator(), nil, nil)
	ex := &model.Exchange{
		Path:         "/v1/chat/completions",
		Status:       200,
		ContentType:  "text/event-stream",
		ResponseBody: body,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.HandleExchange(ex)
	}
}

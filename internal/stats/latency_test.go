package stats_test

import (
	"sync"
	"testing"

	"github.com/riskpy/risk-sms/internal/stats"
)

func TestLatencyStats_Accumulates(t *testing.T) {
	t.Parallel()

	s := stats.NewLatencyStats(100)
	s.Record(10)
	s.Record(30)
	s.Record(20)

	v := s.View()
	if v.TotalCount != 3 || v.TotalSum != 60 {
		t.Fatalf("total count/sum = %d/%d, want 3/60", v.TotalCount, v.TotalSum)
	}
	if v.TotalMin != 10 || v.TotalMax != 30 {
		t.Fatalf("total min/max = %d/%d, want 10/30", v.TotalMin, v.TotalMax)
	}
	if v.WindowCount != 3 || v.WindowSum != 60 {
		t.Fatalf("window count/sum = %d/%d, want 3/60", v.WindowCount, v.WindowSum)
	}
}

func TestLatencyStats_WindowResetsEveryReportEvery(t *testing.T) {
	t.Parallel()

	s := stats.NewLatencyStats(5)
	for i := 0; i < 5; i++ {
		s.Record(int64(i + 1))
	}

	v := s.View()
	if v.WindowCount != 0 {
		t.Fatalf("window count after report = %d, want 0", v.WindowCount)
	}
	if v.TotalCount != 5 || v.TotalSum != 15 {
		t.Fatalf("total count/sum = %d/%d, want 5/15", v.TotalCount, v.TotalSum)
	}

	s.Record(7)
	v = s.View()
	if v.WindowCount != 1 || v.WindowSum != 7 {
		t.Fatalf("window count/sum after reset = %d/%d, want 1/7", v.WindowCount, v.WindowSum)
	}
	if v.TotalCount != 6 {
		t.Fatalf("total count = %d, want 6", v.TotalCount)
	}
}

func TestLatencyStats_TimeoutsAreIndependent(t *testing.T) {
	t.Parallel()

	s := stats.NewLatencyStats(100)
	s.RecordTimeout(31_000)
	s.RecordTimeout(45_000)

	v := s.View()
	if v.TimeoutCount != 2 || v.TimeoutSum != 76_000 {
		t.Fatalf("timeout count/sum = %d/%d, want 2/76000", v.TimeoutCount, v.TimeoutSum)
	}
	if v.TotalCount != 0 || v.WindowCount != 0 {
		t.Fatalf("timeouts leaked into latency accumulators: %+v", v)
	}
}

func TestLatencyStats_ConcurrentRecording(t *testing.T) {
	t.Parallel()

	s := stats.NewLatencyStats(1000)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Record(5)
				s.RecordTimeout(1)
			}
		}()
	}
	wg.Wait()

	v := s.View()
	if v.TotalCount != 2000 || v.TotalSum != 10_000 {
		t.Fatalf("total count/sum = %d/%d, want 2000/10000", v.TotalCount, v.TotalSum)
	}
	if v.TimeoutCount != 2000 || v.TimeoutSum != 2000 {
		t.Fatalf("timeout count/sum = %d/%d, want 2000/2000", v.TimeoutCount, v.TimeoutSum)
	}
}

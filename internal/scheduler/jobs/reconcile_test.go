package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wonny/soldier/backend/pkg/logger"
)

func TestReconcileJobSchedule(t *testing.T) {
	cases := map[time.Duration]string{
		15 * time.Second: "*/15 * * * * *",
		60 * time.Second: "0 */1 * * * *",
		5 * time.Minute:  "0 */5 * * * *",
		0:                "*/1 * * * * *",
	}
	for interval, want := range cases {
		j := NewReconcileJob(nil, interval, logger.Nop())
		assert.Equal(t, want, j.Schedule(), interval.String())
	}
}

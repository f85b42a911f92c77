package sensor

import (
	"math"
	"testing"
	"time"
)

func validReading() Reading {
	return Reading{
		TenantID:    "t1",
		MachineID:   "m1",
		Timestamp:   time.Now(),
		Vibration:   20,
		Temperature: 60,
		Load:        50,
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validReading().Validate(); err != nil {
		t.Fatalf("valid reading rejected: %v", err)
	}

	r := validReading()
	r.Vibration = 0
	r.Temperature = -50
	r.Load = 100
	if err := r.Validate(); err != nil {
		t.Fatalf("boundary values rejected: %v", err)
	}
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	r := validReading()
	r.TenantID = ""
	if err := r.Validate(); err == nil {
		t.Fatal("missing tenant id accepted")
	}

	r = validReading()
	r.MachineID = ""
	if err := r.Validate(); err == nil {
		t.Fatal("missing machine id accepted")
	}

	r = validReading()
	r.Timestamp = time.Time{}
	if err := r.Validate(); err == nil {
		t.Fatal("zero timestamp accepted")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Reading)
	}{
		{"vibration below", func(r *Reading) { r.Vibration = -0.1 }},
		{"vibration above", func(r *Reading) { r.Vibration = 100.1 }},
		{"temperature below", func(r *Reading) { r.Temperature = -50.5 }},
		{"temperature above", func(r *Reading) { r.Temperature = 200.5 }},
		{"load above", func(r *Reading) { r.Load = 101 }},
		{"vibration NaN", func(r *Reading) { r.Vibration = math.NaN() }},
		{"load Inf", func(r *Reading) { r.Load = math.Inf(1) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validReading()
			tc.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Fatal("out-of-range reading accepted")
			}
		})
	}
}

func TestValueByChannel(t *testing.T) {
	r := validReading()
	if r.Value(ChannelVibration) != 20 || r.Value(ChannelTemperature) != 60 || r.Value(ChannelLoad) != 50 {
		t.Fatalf("channel values mismatched: %+v", r)
	}
}

func TestChannelsOrderStable(t *testing.T) {
	chs := Channels()
	if len(chs) != 3 || chs[0] != ChannelVibration || chs[1] != ChannelTemperature || chs[2] != ChannelLoad {
		t.Fatalf("unexpected channel order: %v", chs)
	}
}

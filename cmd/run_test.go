package main

import (
	"bytes"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/taihen/nsbench/pkg/config"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"--version"}, &stdout, &stderr))
	assert.Equal(t, "nsbench version dev\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestRunBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"--no-such-flag"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "no-such-flag")
}

func TestSanityChecks(t *testing.T) {
	got := sanityChecks([]config.CheckSpec{
		{Type: dns.TypeA, Name: "www.paypal.com.", Expected: []string{"paypal"}, Sensitive: true},
	})
	assert.Len(t, got, 1)
	assert.Equal(t, "www.paypal.com.", got[0].Name)
	assert.True(t, got[0].Sensitive)
	assert.Equal(t, []string{"paypal"}, got[0].Expected)
	assert.Empty(t, sanityChecks(nil))
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	status := progress(&buf)
	status("ping checks", 1, 2)
	status("ping checks", 2, 2)
	status("benchmark", 1, 3)
	assert.Equal(t, "\rping checks: 1/2\rping checks: 2/2\n\rbenchmark: 1/3", buf.String())
}

package integration

import (
	"archive/zip"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	. "github.com/onsi/gomega"
)

func TestNestedArchiveRoundTrip(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t)

	env.MustRunCLI(g, "deep", "put", env.Path("outer.zip/inner.tar.gz/doc/f.txt"))

	zr, err := zip.OpenReader(env.Path("outer.zip"))
	g.Expect(err).NotTo(HaveOccurred())
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	g.Expect(zr.Close()).To(Succeed())
	g.Expect(names).To(ConsistOf("inner.tar.gz"))

	g.Expect(env.MustRunCLI(g, "", "cat", env.Path("outer.zip/inner.tar.gz/doc/f.txt"))).To(Equal("deep"))
	g.Expect(env.MustRunCLI(g, "", "ls", "-R", env.Path("outer.zip"))).To(Equal("inner.tar.gz/\ninner.tar.gz/doc/\ninner.tar.gz/doc/f.txt\n"))
	g.Expect(env.MustRunCLI(g, "", "stat", env.Path("outer.zip/inner.tar.gz"))).To(ContainSubstring("Format: tar.gz"))
}

func TestConcurrentProcessesAreSerialized(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t)
	target := env.Path("log.tar.gz/lines.txt")

	const writers = 4
	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, _, stderr := env.Start(fmt.Sprintf("line-%d\n", i), "put", "-a", target)
			if err := cmd.Run(); err != nil {
				results[i] = fmt.Errorf("%w: %s", err, stderr.String())
			}
		}()
	}
	wg.Wait()
	for _, err := range results {
		g.Expect(err).NotTo(HaveOccurred())
	}

	lines := strings.Split(strings.TrimSpace(env.MustRunCLI(g, "", "cat", target)), "\n")
	g.Expect(lines).To(ConsistOf("line-0", "line-1", "line-2", "line-3"))
}

func TestFailuresExitNonZero(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t)

	res := env.RunCLI("", "cat", env.Path("missing.zip/x"))
	g.Expect(res.ExitCode).NotTo(BeZero())

	g.Expect(os.WriteFile(env.Path("broken.zip"), []byte("not a zip"), 0644)).To(Succeed())
	res = env.RunCLI("", "ls", env.Path("broken.zip"))
	g.Expect(res.ExitCode).NotTo(BeZero())
	g.Expect(env.MustRunCLI(g, "", "stat", env.Path("broken.zip"))).To(ContainSubstring("Type: FILE"))
	g.Expect(os.ReadFile(env.Path("broken.zip"))).To(Equal([]byte("not a zip")))
}

func TestDebugLogging(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)
	env := NewTestEnv(t)

	res := env.RunCLI("", "--log-level", "debug", "sync")
	g.Expect(res.ExitCode).To(BeZero(), res.Combined())
	g.Expect(res.Stderr).To(ContainSubstring("[CLI]"))
	g.Expect(res.Stdout).To(ContainSubstring("synced"))
}

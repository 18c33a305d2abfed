//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/remapd/remapd/internal/config"
	"github.com/remapd/remapd/internal/domain"
	"github.com/remapd/remapd/internal/engine"
	"github.com/remapd/remapd/internal/lifecycle"
	"github.com/remapd/remapd/internal/usecase"
	"github.com/remapd/remapd/test/fixtures"
)

// allGranted satisfies the permission oracle for tests.
type allGranted struct{}

func (allGranted) CurrentSnapshot() domain.PermissionSnapshot {
	return domain.PermissionSnapshot{InputMonitoringReady: true, AccessibilityReady: true}
}

var _ = Describe("Configuration Pipeline", func() {
	var (
		tmpDir     string
		configPath string
		store      *config.Store
		fake       *fixtures.FakeEngine
		pipeline   *usecase.Pipeline
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "remapd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		configPath = filepath.Join(tmpDir, "mappings.kbd")
		logger := zap.NewNop()
		store = config.NewStore(configPath, filepath.Join(tmpDir, "backups"), logger)

		fake, err = fixtures.NewFakeEngine()
		Expect(err).NotTo(HaveOccurred())

		pipeline = usecase.NewPipeline(usecase.PipelineDeps{
			Store:   store,
			Client:  engine.NewClient(fake.Port(), logger),
			Safety:  engine.NewSafetyMonitor(logger),
			Perms:   allGranted{},
			Machine: lifecycle.NewMachine(logger),
			Logger:  logger,
		})
	})

	AfterEach(func() {
		fake.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("Apply", func() {
		Context("when the engine accepts the reload", func() {
			It("should write the config and report success", func() {
				result := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
				})

				Expect(result.Err).NotTo(HaveOccurred())
				Expect(result.Success).To(BeTrue())
				Expect(result.RolledBack).To(BeFalse())
				Expect(fake.ReloadCount()).To(Equal(1))

				content, err := os.ReadFile(configPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(content)).To(ContainSubstring("(defsrc"))
				Expect(string(content)).To(ContainSubstring("caps"))
				Expect(string(content)).To(ContainSubstring("esc"))
			})

			It("should accumulate mappings across applies", func() {
				first := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
				})
				Expect(first.Success).To(BeTrue())

				second := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
				})
				Expect(second.Success).To(BeTrue())

				snapshot, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(snapshot.Mappings).To(HaveLen(2))
			})
		})

		Context("when the engine rejects the reload", func() {
			It("should restore the previous config byte for byte", func() {
				seeded := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
				})
				Expect(seeded.Success).To(BeTrue())
				before, err := os.ReadFile(configPath)
				Expect(err).NotTo(HaveOccurred())

				fake.RespondError("invalid key name")
				result := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "tab", Output: "bogus"}},
				})

				Expect(result.Success).To(BeFalse())
				Expect(result.RolledBack).To(BeTrue())

				var reloadErr *domain.ReloadFailedError
				Expect(result.Err).To(BeAssignableToTypeOf(reloadErr))

				after, err := os.ReadFile(configPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(after).To(Equal(before))
			})
		})

		Context("when the engine never answers", func() {
			It("should time out and roll back", func() {
				seeded := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
				})
				Expect(seeded.Success).To(BeTrue())
				before, err := os.ReadFile(configPath)
				Expect(err).NotTo(HaveOccurred())

				fake.GoSilent()
				ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
				defer cancel()
				result := pipeline.Apply(ctx, usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "tab", Output: "lmet"}},
				})

				Expect(result.Success).To(BeFalse())
				Expect(result.RolledBack).To(BeTrue())
				Expect(result.Err).To(MatchError(domain.ErrReadinessTimeout))

				after, err := os.ReadFile(configPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(after).To(Equal(before))
			})
		})

		Context("when the engine is not listening at all", func() {
			It("should fail without claiming a rollback on the first apply", func() {
				fake.Close()

				result := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
				})

				Expect(result.Success).To(BeFalse())
				// No prior file existed, so nothing was restored.
				Expect(result.RolledBack).To(BeFalse())

				// The config itself is still written: a dead engine must
				// not lose the user's edit.
				_, err := os.Stat(configPath)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("when reloads are attempted in a tight loop", func() {
			It("should refuse further reloads once the storm cap is hit", func() {
				fake.RespondError("still broken")

				var last domain.ApplyResult
				for i := 0; i < 7; i++ {
					last = pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
						Add: []domain.KeyMapping{{Input: "caps", Output: "esc"}},
					})
				}

				Expect(last.Success).To(BeFalse())
				var reloadErr *domain.ReloadFailedError
				Expect(last.Err).To(BeAssignableToTypeOf(reloadErr))
				// The engine stopped being contacted after the cap.
				Expect(fake.ReloadCount()).To(Equal(5))
			})
		})
	})

	Describe("Backups", func() {
		It("should keep a restorable history of config versions", func() {
			for _, mapping := range []domain.KeyMapping{
				{Input: "caps", Output: "esc"},
				{Input: "tab", Output: "lmet"},
			} {
				result := pipeline.Apply(context.Background(), usecase.ConfigEditCommand{
					Add: []domain.KeyMapping{mapping},
				})
				Expect(result.Success).To(BeTrue())
			}

			backups, err := store.ListBackups()
			Expect(err).NotTo(HaveOccurred())
			// The first apply had no file to back up.
			Expect(backups).To(HaveLen(1))

			Expect(store.Restore(&backups[0])).To(Succeed())
			snapshot, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(snapshot.Mappings).To(HaveLen(1))
			Expect(snapshot.Mappings[0].Input).To(Equal("caps"))
		})
	})
})

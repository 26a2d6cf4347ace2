package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_ReasonsAreFixed(t *testing.T) {
	assert.Equal(t, "Couldn't clone the repository", CantCloneRepo.Reason())
	assert.Equal(t, "The PR must have exactly one comment", InvalidCommentCount.Reason())
	assert.True(t, InvalidCommentCount.IsSetup())
	assert.Equal(t, "The directory is not valid", NotValidDirectory.Reason())
	assert.Equal(t, "Couldn't find the build file in the directory", CantFindBuildFile.Reason())
	assert.Equal(t, "No tests found", NoTestsFound.Reason())
	assert.Equal(t, UnexpectedReason, Kind("bogus").Reason())
}

func TestTaxonomiesAreDisjoint(t *testing.T) {
	for kind := range reasons {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%v", r)
				}
			}()
			if kind.IsSetup() {
				return Setup(kind, "", nil)
			}
			return Build(kind, "", nil)
		}()
		var se *SetupError
		var be *BuildError
		isSetup := errors.As(err, &se)
		isBuild := errors.As(err, &be)
		assert.True(t, isSetup != isBuild, "kind %s must belong to exactly one taxonomy", kind)
	}
}

func TestBuild_PanicsOnSetupKind(t *testing.T) {
	assert.Panics(t, func() { _ = Build(CantCloneRepo, "", nil) })
	assert.Panics(t, func() { _ = Setup(FailedToCompile, "", nil) })
}

func TestDescribe(t *testing.T) {
	wrapped := fmt.Errorf("compile step: %w", Build(FailedToCompile, "[ERROR] cannot find symbol", nil))

	reason, output := Describe(wrapped)
	assert.Equal(t, "Failed to compile", reason)
	assert.Equal(t, "[ERROR] cannot find symbol", output)
	assert.Equal(t, FailedToCompile, KindOf(wrapped))
	assert.True(t, Is(wrapped, FailedToCompile))

	reason, output = Describe(Setup(CantCheckoutCommit, "", errors.New("reference not found")))
	assert.Equal(t, CantCheckoutCommit.Reason(), reason)
	assert.Equal(t, "reference not found", output)

	reason, output = Describe(errors.New("boom"))
	assert.Equal(t, UnexpectedReason, reason)
	assert.Equal(t, "boom", output)
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "No tests found", ReasonOf(Build(NoTestsFound, "", nil)))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial unix /var/run/docker.sock: connect: no such file")
	err := Build(CantStartEnvironment, "", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cant_start_environment")
}

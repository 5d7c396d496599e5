package services

import (
	"errors"
	"sync"
	"testing"

	"duo-sync-backend/internal/docstore"
	"duo-sync-backend/internal/models"
	"duo-sync-backend/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeRegistersCreator(t *testing.T) {
	f := newFixture(t, nil)

	link, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", link.Code)

	stored := f.link(t, "AB12CD")
	assert.Equal(t, "u1", stored.Creator)
	assert.Equal(t, []string{"u1"}, stored.AuthorizedUsers)
	assert.Equal(t, map[string]bool{"u1": true}, stored.ConnectionState)
	assert.Nil(t, stored.DeleteRequest)
	assert.Equal(t, "AB12CD", f.pairCodeOf(t, "u1"))
}

func TestGenerateCodeQuota(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	_, err = f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)

	_, err = f.pair.GenerateCode(f.ctx, "u1")
	assert.ErrorIs(t, err, ErrCodeLimitExceeded)

	_, err = f.pair.GenerateCode(f.ctx, "u2")
	assert.NoError(t, err)
}

func TestGenerateCodeQuotaIgnoresLeftLinks(t *testing.T) {
	f := newFixture(t, nil)

	for _, partner := range []string{"u2", "u3"} {
		f.pairUp(t, "u1", partner)
		require.NoError(t, f.pair.Disconnect(f.ctx, "u1"))
	}

	link, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, link.Code, f.pairCodeOf(t, "u1"))
}

func TestGenerateCodeCollision(t *testing.T) {
	f := newFixture(t, nil)
	f.pair.newCode = func() (string, error) { return "SAME01", nil }

	_, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)

	_, err = f.pair.GenerateCode(f.ctx, "u2")
	assert.ErrorIs(t, err, docstore.ErrAlreadyExists)
	assert.Equal(t, "", f.pairCodeOf(t, "u2"))
	assert.Equal(t, []string{"u1"}, f.link(t, "SAME01").AuthorizedUsers)
}

func TestGenerateCodeAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		for _, c := range code {
			assert.Contains(t, codeChars, string(c))
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "AB12CD", NormalizeCode("  ab12cd "))
	assert.Equal(t, "A#B%C$", NormalizeCode("a#b%c$"))
}

func TestJoinScenario(t *testing.T) {
	f := newFixture(t, nil)

	link, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "AB12CD", link.Code)

	joined, err := f.pair.Join(f.ctx, "u2", "ab12cd")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, joined.AuthorizedUsers)
	assert.Equal(t, []string{"u1", "u2"}, f.link(t, "AB12CD").AuthorizedUsers)
	assert.Equal(t, "AB12CD", f.pairCodeOf(t, "u2"))

	m1, err := f.message.Send(f.ctx, "AB12CD", "u1", "hello")
	require.NoError(t, err)

	marked, err := f.message.MarkAllSeen(f.ctx, "AB12CD", "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	got, err := f.messages.Get(f.ctx, "AB12CD", m1.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, got.SeenBy)

	require.NoError(t, f.message.DeleteForEveryone(f.ctx, "AB12CD", "u1", m1.ID))
	got, err = f.messages.Get(f.ctx, "AB12CD", m1.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, "", got.Text)
}

func TestJoinNeverExceedsTwoMembers(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	_, err := f.pair.Join(f.ctx, "u3", code)
	assert.ErrorIs(t, err, ErrUnauthorized)

	again, err := f.pair.Join(f.ctx, "u2", code)
	require.NoError(t, err)
	assert.Len(t, again.AuthorizedUsers, 2)

	assert.Len(t, f.link(t, code).AuthorizedUsers, 2)
	assert.Equal(t, "", f.pairCodeOf(t, "u3"))
}

func TestJoinConcurrentSecondMembers(t *testing.T) {
	f := newFixture(t, nil)
	link, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []string{"u2", "u3"} {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			_, errs[i] = f.pair.Join(f.ctx, uid, link.Code)
		}(i, uid)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrUnauthorized)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, f.link(t, link.Code).AuthorizedUsers, 2)
}

func TestJoinErrors(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	_, err := f.unlink.RequestDelete(f.ctx, "u1", code)
	require.NoError(t, err)

	tests := []struct {
		name string
		uid  string
		code string
		want error
	}{
		{name: "unknown code", uid: "u3", code: "ZZZZZZ", want: ErrNotFound},
		{name: "empty code", uid: "u3", code: "  ", want: ErrInvalidInput},
		{name: "empty user", uid: "", code: code, want: ErrInvalidInput},
		{name: "pending delete", uid: "u2", code: code, want: ErrAlreadyPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pair.Join(f.ctx, tt.uid, tt.code)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	for _, leaver := range []string{"u1", "u2"} {
		t.Run(leaver, func(t *testing.T) {
			f := newFixture(t, nil)
			code := f.pairUp(t, "u1", "u2")
			stayer := "u2"
			if leaver == "u2" {
				stayer = "u1"
			}

			require.NoError(t, f.pair.Disconnect(f.ctx, leaver))

			link := f.link(t, code)
			assert.Equal(t, []string{stayer}, link.AuthorizedUsers)
			assert.NotContains(t, link.ConnectionState, leaver)
			assert.True(t, link.ConnectionState[stayer])
			assert.Nil(t, f.profile(t, leaver).PairCode)
			assert.Equal(t, code, f.pairCodeOf(t, stayer))
		})
	}
}

func TestDisconnectWithoutPair(t *testing.T) {
	f := newFixture(t, nil)
	err := f.pair.Disconnect(f.ctx, "u1")
	assert.ErrorIs(t, err, ErrNotPaired)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisconnectFromDeletedLink(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")
	require.NoError(t, f.store.Delete(f.ctx, repository.PairPath(code)))

	require.NoError(t, f.pair.Disconnect(f.ctx, "u2"))
	assert.Nil(t, f.profile(t, "u2").PairCode)
}

func TestDeleteCode(t *testing.T) {
	f := newFixture(t, nil)

	solo, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	err = f.pair.DeleteCode(f.ctx, "u2", solo.Code)
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.pair.DeleteCode(f.ctx, "u1", solo.Code))
	_, err = f.pairs.GetByCode(f.ctx, solo.Code)
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.Nil(t, f.profile(t, "u1").PairCode)

	code, err := f.pair.GenerateCode(f.ctx, "u1")
	require.NoError(t, err)
	_, err = f.pair.Join(f.ctx, "u2", code.Code)
	require.NoError(t, err)
	err = f.pair.DeleteCode(f.ctx, "u1", code.Code)
	assert.ErrorIs(t, err, ErrPartnerJoined)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegenerateAbandonsPreviousLink(t *testing.T) {
	f := newFixture(t, nil)
	old := f.pairUp(t, "u1", "u2")

	link, err := f.pair.Regenerate(f.ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, old, link.Code)
	assert.Equal(t, link.Code, f.pairCodeOf(t, "u1"))

	assert.Equal(t, []string{"u1", "u2"}, f.link(t, old).AuthorizedUsers)
	assert.Equal(t, old, f.pairCodeOf(t, "u2"))
}

func TestCurrentAndRequireMember(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pair.Current(f.ctx, "u1")
	assert.ErrorIs(t, err, ErrNotPaired)
	_, err = f.pair.Current(f.ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotPaired)

	code := f.pairUp(t, "u1", "u2")
	link, err := f.pair.Current(f.ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, code, link.Code)

	_, err = f.pair.RequireMember(f.ctx, "u3", code)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.pair.RequireMember(f.ctx, "u1", "zzzzzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := retryOnConflict(func() error {
		calls++
		return docstore.ErrPreconditionFailed
	})
	assert.Equal(t, conflictAttempts, calls)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)

	calls = 0
	boom := errors.New("boom")
	err = retryOnConflict(func() error {
		calls++
		return boom
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
}

func TestPairWatch(t *testing.T) {
	f := newFixture(t, nil)
	code := f.pairUp(t, "u1", "u2")

	sub := f.pair.Watch(f.ctx, code)
	defer sub.Close()

	first := <-sub.Snapshots()
	require.NotNil(t, first)
	assert.Len(t, first.AuthorizedUsers, 2)

	require.NoError(t, f.pair.Disconnect(f.ctx, "u2"))
	var latest *models.PairLink
	for latest = range sub.Snapshots() {
		if latest != nil && len(latest.AuthorizedUsers) == 1 {
			break
		}
	}
	require.NotNil(t, latest)
	assert.Equal(t, []string{"u1"}, latest.AuthorizedUsers)
}

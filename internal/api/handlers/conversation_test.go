package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/dom/chat-relay/internal/api/handlers"
	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postAuthed(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConversationHandler_Create(t *testing.T) {
	ts := testutil.NewTestServer(t, nil)

	alice := testutil.NewUserBuilder().SignUp(t, ts)
	bob := testutil.NewUserBuilder().SignUp(t, ts)

	tests := []struct {
		name           string
		body           map[string]any
		expectedStatus int
		expectedKind   domain.ErrorKind
	}{
		{
			name:           "with one other participant",
			body:           map[string]any{"participantIds": []string{bob.User.ID.String()}},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "no participants",
			body:           map[string]any{"participantIds": []string{}},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidRequest,
		},
		{
			name:           "malformed id",
			body:           map[string]any{"participantIds": []string{"not-a-uuid"}},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidRequest,
		},
		{
			name:           "unknown user",
			body:           map[string]any{"participantIds": []string{uuid.NewString()}},
			expectedStatus: http.StatusBadRequest,
			expectedKind:   domain.KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postAuthed(t, ts.APIURL("/conversations"), alice.AccessToken, tt.body)

			if tt.expectedKind != "" {
				testutil.AssertErrorResponse(t, resp, tt.expectedStatus, tt.expectedKind)
				return
			}

			testutil.AssertStatusCode(t, resp, tt.expectedStatus)
			var conversation handlers.ConversationResponse
			testutil.AssertJSONResponse(t, resp, &conversation)
			assert.Equal(t, alice.User.ID.String(), conversation.CreatedBy)
			assert.ElementsMatch(t, []string{alice.User.ID.String(), bob.User.ID.String()}, conversation.ParticipantIDs)
		})
	}
}

func TestConversationHandler_RequiresAuth(t *testing.T) {
	ts := testutil.NewTestServer(t, nil)

	resp := getWithToken(t, ts.APIURL("/conversations"), "")
	testutil.AssertErrorResponse(t, resp, http.StatusUnauthorized, domain.KindAuthFailure)

	resp = getWithToken(t, ts.APIURL("/conversations"), "eyJhbGciOiJIUzI1NiJ9.e30.invalid")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConversationHandler_MessagesAndHistory(t *testing.T) {
	ts := testutil.NewTestServer(t, nil)

	alice := testutil.NewUserBuilder().SignUp(t, ts)
	bob := testutil.NewUserBuilder().SignUp(t, ts)
	mallory := testutil.NewUserBuilder().SignUp(t, ts)
	conversation := testutil.NewConversationBuilder(alice.User.ID).
		WithParticipants(bob.User.ID).
		Build(t, ts.DB.DB)

	messagesURL := ts.APIURL(fmt.Sprintf("/conversations/%s/messages", conversation.ID))

	var sent []domain.Message
	for i := range 3 {
		resp := postAuthed(t, messagesURL, alice.AccessToken, map[string]string{"body": fmt.Sprintf("hello %d", i)})
		testutil.AssertStatusCode(t, resp, http.StatusCreated)
		var msg domain.Message
		testutil.AssertJSONResponse(t, resp, &msg)
		assert.Equal(t, alice.User.ID, msg.SenderID)
		sent = append(sent, msg)
	}

	resp := getWithToken(t, messagesURL, bob.AccessToken)
	testutil.AssertStatusCode(t, resp, http.StatusOK)
	var history []domain.Message
	testutil.AssertJSONResponse(t, resp, &history)
	require.Len(t, history, 3)
	for i := range sent {
		assert.Equal(t, sent[i].ID, history[i].ID)
	}

	resp = getWithToken(t, messagesURL+"?after="+sent[0].ID+"&limit=1", bob.AccessToken)
	testutil.AssertStatusCode(t, resp, http.StatusOK)
	history = nil
	testutil.AssertJSONResponse(t, resp, &history)
	require.Len(t, history, 1)
	assert.Equal(t, sent[1].ID, history[0].ID)

	// Outsiders can neither read nor write.
	resp = getWithToken(t, messagesURL, mallory.AccessToken)
	testutil.AssertErrorResponse(t, resp, http.StatusForbidden, domain.KindNotAMember)
	resp = postAuthed(t, messagesURL, mallory.AccessToken, map[string]string{"body": "let me in"})
	testutil.AssertErrorResponse(t, resp, http.StatusForbidden, domain.KindNotAMember)

	resp = postAuthed(t, messagesURL, alice.AccessToken, map[string]string{"body": ""})
	testutil.AssertErrorResponse(t, resp, http.StatusBadRequest, domain.KindInvalidRequest)

	resp = getWithToken(t, ts.APIURL("/conversations/not-a-uuid/messages"), alice.AccessToken)
	testutil.AssertErrorResponse(t, resp, http.StatusBadRequest, domain.KindInvalidRequest)

	resp = getWithToken(t, ts.APIURL("/conversations"), bob.AccessToken)
	testutil.AssertStatusCode(t, resp, http.StatusOK)
	var list []handlers.ConversationResponse
	testutil.AssertJSONResponse(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, conversation.ID.String(), list[0].ID)
}

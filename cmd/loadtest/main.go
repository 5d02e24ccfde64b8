package main

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	mrand "math/rand"
	"net/http"
	"sort"
	"sync"
	"time"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

type Conversation struct {
	ID string `json:"id"`
}

const (
	NUM_USERS        = 200
	MESSAGES_PER_SEC = 5
	SIMULATION_TIME  = 60 // seconds
	BASE_URL         = "http://localhost:8080"
	BATCH_SIZE       = 50 // users registered in parallel
)

type envelope struct {
	ConversationID   string `json:"conversation_id"`
	RecipientUserID  string `json:"recipient_user_id"`
	Type             string `json:"type"`
	EncryptedContent string `json:"encrypted_content"`
	Nonce            string `json:"nonce"`
	AuthTag          string `json:"auth_tag"`
	Signature        string `json:"signature"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func randomBlob(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}

func postJSON(path, token string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, BASE_URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

func registerUser(id int) (*User, error) {
	username := fmt.Sprintf("loadtest_user_%d", id)
	err := postJSON("/api/auth/register", "", map[string]string{
		"username":   username,
		"password":   "testpass123",
		"public_key": randomBlob(32),
	}, nil)
	if err != nil {
		return nil, err
	}

	var login struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	err = postJSON("/api/auth/login", "", map[string]string{
		"username": username,
		"password": "testpass123",
	}, &login)
	if err != nil {
		return nil, err
	}
	login.User.Token = login.Token
	return &login.User, nil
}

func registerUsers() []*User {
	users := make([]*User, NUM_USERS)
	var wg sync.WaitGroup
	for start := 0; start < NUM_USERS; start += BATCH_SIZE {
		end := start + BATCH_SIZE
		if end > NUM_USERS {
			end = NUM_USERS
		}
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				user, err := registerUser(i)
				if err != nil {
					log.Printf("register %d: %v", i, err)
					return
				}
				users[i] = user
			}(i)
		}
		wg.Wait()
	}
	return users
}

// pairUp resolves one direct conversation per adjacent user pair.
func pairUp(users []*User) map[int]*Conversation {
	conversations := make(map[int]*Conversation)
	for i := 0; i+1 < len(users); i += 2 {
		a, b := users[i], users[i+1]
		if a == nil || b == nil {
			continue
		}
		var conv Conversation
		err := postJSON("/api/conversations/create", a.Token, map[string]interface{}{
			"type":         "DIRECT",
			"participants": []string{b.ID},
		}, &conv)
		if err != nil {
			log.Printf("conversation %d<->%d: %v", i, i+1, err)
			continue
		}
		conversations[i] = &conv
	}
	return conversations
}

func main() {
	log.Printf("registering %d users...", NUM_USERS)
	users := registerUsers()

	log.Printf("resolving direct conversations...")
	conversations := pairUp(users)
	log.Printf("%d conversations ready", len(conversations))

	var (
		mu        sync.Mutex
		latencies []time.Duration
		sent      int
		failed    int
	)

	ticker := time.NewTicker(time.Second / MESSAGES_PER_SEC)
	defer ticker.Stop()
	deadline := time.After(SIMULATION_TIME * time.Second)

	log.Printf("sending %d envelopes/sec for %ds...", MESSAGES_PER_SEC, SIMULATION_TIME)
loop:
	for {
		select {
		case <-deadline:
			break loop
		case <-ticker.C:
			pairs := make([]int, 0, len(conversations))
			for i := range conversations {
				pairs = append(pairs, i)
			}
			if len(pairs) == 0 {
				continue
			}
			i := pairs[mrand.Intn(len(pairs))]
			sender, recipient := users[i], users[i+1]
			conv := conversations[i]

			go func() {
				start := time.Now()
				err := postJSON("/api/messages/send", sender.Token, envelope{
					ConversationID:   conv.ID,
					RecipientUserID:  recipient.ID,
					Type:             "TEXT",
					EncryptedContent: randomBlob(256),
					Nonce:            randomBlob(12),
					AuthTag:          randomBlob(16),
					Signature:        randomBlob(64),
				}, nil)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					return
				}
				sent++
				latencies = append(latencies, time.Since(start))
			}()
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(latencies) == 0 {
		log.Fatalf("no messages delivered (failed=%d)", failed)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p := func(q float64) time.Duration {
		return latencies[int(float64(len(latencies)-1)*q)]
	}
	log.Printf("sent=%d failed=%d p50=%v p95=%v p99=%v", sent, failed, p(0.50), p(0.95), p(0.99))
}

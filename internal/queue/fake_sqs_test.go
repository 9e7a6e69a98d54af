package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"deadswitch/internal/types"
)

// fakeSQS is an in-memory SQS. Sent messages become receivable on the same
// URL immediately; DelaySeconds is recorded but not honored.
type fakeSQS struct {
	mu       sync.Mutex
	seq      int
	sent     []*sqs.SendMessageInput
	pending  map[string][]sqsTypes.Message
	deleted  []string
	sendErrs []error // consumed in order, nil entries mean success
	recvErr  error
	delErr   error
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{pending: make(map[string][]sqsTypes.Message)}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.seq++
	id := fmt.Sprintf("sqs-%d", f.seq)
	f.sent = append(f.sent, in)
	url := aws.ToString(in.QueueUrl)
	f.pending[url] = append(f.pending[url], sqsTypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.recvErr != nil {
		err := f.recvErr
		f.mu.Unlock()
		return nil, err
	}
	url := aws.ToString(in.QueueUrl)
	n := int(in.MaxNumberOfMessages)
	msgs := f.pending[url]
	if n > len(msgs) {
		n = len(msgs)
	}
	batch := append([]sqsTypes.Message(nil), msgs[:n]...)
	f.pending[url] = msgs[n:]
	f.mu.Unlock()

	if len(batch) == 0 {
		// Stand-in for long polling.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return nil, f.delErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) push(url string, body string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("sqs-%d", f.seq)
	f.pending[url] = append(f.pending[url], sqsTypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
	})
	return "rh-" + id
}

func (f *fakeSQS) sentTo(url string) []*sqs.SendMessageInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sqs.SendMessageInput
	for _, in := range f.sent {
		if aws.ToString(in.QueueUrl) == url {
			out = append(out, in)
		}
	}
	return out
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var errSQSThrottled = errors.New("ThrottlingException: rate exceeded")

func testLogger() types.Logger {
	return types.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
)

// mockObjects 记录调用入参的对象存储替身
type mockObjects struct {
	content     string
	getFail     error
	deleteFail  error
	getInput    *awss3.GetObjectInput
	deleteInput *awss3.DeleteObjectInput
}

func (m *mockObjects) GetObject(_ context.Context, params *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	m.getInput = params
	if m.getFail != nil {
		return nil, m.getFail
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(m.content))}, nil
}

func (m *mockObjects) DeleteObject(_ context.Context, params *awss3.DeleteObjectInput, _ ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error) {
	m.deleteInput = params
	if m.deleteFail != nil {
		return nil, m.deleteFail
	}
	return &awss3.DeleteObjectOutput{}, nil
}

func TestFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("取回对象内容", func(t *testing.T) {
		mock := &mockObjects{content: "From: a@b.c\r\n\r\nbody"}
		s := NewWithClient(mock, 0)

		data, err := s.Fetch(ctx, "inbound-bucket", "emails/msg-1")
		assert.NoError(t, err)
		assert.Equal(t, "From: a@b.c\r\n\r\nbody", string(data))
		assert.Equal(t, "inbound-bucket", aws.ToString(mock.getInput.Bucket))
		assert.Equal(t, "emails/msg-1", aws.ToString(mock.getInput.Key))
	})

	t.Run("对象缺失返回哨兵错误", func(t *testing.T) {
		mock := &mockObjects{getFail: &s3types.NoSuchKey{}}
		s := NewWithClient(mock, 0)

		_, err := s.Fetch(ctx, "inbound-bucket", "emails/gone")
		assert.ErrorIs(t, err, ErrContentMissing)
	})

	t.Run("超过大小上限报错", func(t *testing.T) {
		mock := &mockObjects{content: strings.Repeat("x", 100)}
		s := NewWithClient(mock, 50)

		_, err := s.Fetch(ctx, "inbound-bucket", "emails/huge")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrContentMissing)
	})

	t.Run("上限内的对象正常取回", func(t *testing.T) {
		mock := &mockObjects{content: strings.Repeat("x", 50)}
		s := NewWithClient(mock, 50)

		data, err := s.Fetch(ctx, "inbound-bucket", "emails/msg-1")
		assert.NoError(t, err)
		assert.Len(t, data, 50)
	})

	t.Run("其他失败不映射为缺失", func(t *testing.T) {
		mock := &mockObjects{getFail: errors.New("access denied")}
		s := NewWithClient(mock, 0)

		_, err := s.Fetch(ctx, "inbound-bucket", "emails/msg-1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrContentMissing)
	})
}

func TestDelete(t *testing.T) {
	t.Run("按桶与键删除", func(t *testing.T) {
		mock := &mockObjects{}
		s := NewWithClient(mock, 0)

		assert.NoError(t, s.Delete(context.Background(), "inbound-bucket", "emails/msg-1"))
		assert.Equal(t, "inbound-bucket", aws.ToString(mock.deleteInput.Bucket))
		assert.Equal(t, "emails/msg-1", aws.ToString(mock.deleteInput.Key))
	})

	t.Run("删除失败透传错误", func(t *testing.T) {
		mock := &mockObjects{deleteFail: errors.New("access denied")}
		s := NewWithClient(mock, 0)

		assert.Error(t, s.Delete(context.Background(), "inbound-bucket", "emails/msg-1"))
	})
}

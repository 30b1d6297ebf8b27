package capture

import (
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/wfunc/serial-relay/internal/errors"
	"github.com/wfunc/serial-relay/internal/models"
	"github.com/wfunc/serial-relay/internal/repository"
)

// ExportOptions 导出参数
type ExportOptions struct {
	Compress  bool // 输出 zstd 帧
	AllowGaps bool // 会话有丢弃的数据块时仍导出剩余部分
}

// CheckComplete 会话记录过丢弃的数据块时返回 ErrDataIntegrity
func CheckComplete(session *models.CaptureSession) error {
	if session.Dropped > 0 {
		return errors.Newf(errors.ErrDataIntegrity,
			"session %s dropped %d chunks, export would have gaps", session.ID, session.Dropped)
	}
	return nil
}

// Export 按序号拼接会话的数据块写入 w，返回写入的原始字节数。
// 默认要求数据完整：会话有丢弃记录，或数据块偏移不连续，都返回 ErrDataIntegrity。
func Export(ctx context.Context, repo repository.CaptureRepository, sessionID string, w io.Writer, opts ExportOptions) (int64, error) {
	session, err := repo.FindSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !opts.AllowGaps {
		if err := CheckComplete(session); err != nil {
			return 0, err
		}
	}

	out := w
	var enc *zstd.Encoder
	if opts.Compress {
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrUnknown, "create zstd encoder")
		}
		out = enc
	}

	var n int64
	err = repo.EachChunk(ctx, sessionID, func(c *models.CaptureChunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		// 运行中的会话还没有丢弃计数，靠偏移发现缺口
		if !opts.AllowGaps && c.Offset != n {
			return errors.Newf(errors.ErrDataIntegrity,
				"session %s chunk %d starts at offset %d, expected %d", sessionID, c.Seq, c.Offset, n)
		}
		written, err := out.Write(c.Data)
		n += int64(written)
		if err != nil {
			return errors.Wrapf(err, errors.ErrIO, "write chunk %d", c.Seq)
		}
		return nil
	})

	if enc != nil {
		if cerr := enc.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, errors.ErrIO, "flush zstd")
		}
	}
	return n, err
}

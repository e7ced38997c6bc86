package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// newEncoderSession builds a fixed-shape ONNX Runtime session for the
// embedding forward pass. The session takes input_ids/attention_mask of
// shape [1, maxTokens] and produces a pooled sentence embedding of shape
// [1, nativeDim] (the mean-pooled last_hidden_state the EmbeddingGemma
// export already bakes into its graph output).
func newEncoderSession(modelPath string, maxTokens, nativeDim int) (*ort.AdvancedSession, error) {
	inputShape := ort.NewShape(1, int64(maxTokens))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("alloc input_ids tensor: %w", err)
	}
	attnMask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		inputIDs.Destroy()
		return nil, fmt.Errorf("alloc attention_mask tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(nativeDim))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputIDs.Destroy()
		attnMask.Destroy()
		return nil, fmt.Errorf("alloc output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"sentence_embedding"},
		[]ort.Value{inputIDs, attnMask},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		inputIDs.Destroy()
		attnMask.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return session, nil
}

// runEncoder writes ids (right-padded with zero ids and attention-mask zeros
// beyond len(ids)) into the session's bound input tensors, runs the forward pass
// under the caller's lock, and returns the pooled embedding.
func runEncoder(session *ort.AdvancedSession, ids []uint32, nativeDim int) ([]float32, error) {
	inputs := session.GetInputs()
	outputs := session.GetOutputs()
	if len(inputs) != 2 || len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected session shape: %d inputs, %d outputs", len(inputs), len(outputs))
	}

	inputIDsTensor, ok := inputs[0].(*ort.Tensor[int64])
	if !ok {
		return nil, fmt.Errorf("input_ids tensor has unexpected type")
	}
	attnMaskTensor, ok := inputs[1].(*ort.Tensor[int64])
	if !ok {
		return nil, fmt.Errorf("attention_mask tensor has unexpected type")
	}
	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("output tensor has unexpected type")
	}

	idData := inputIDsTensor.GetData()
	maskData := attnMaskTensor.GetData()
	for i := range idData {
		if i < len(ids) {
			idData[i] = int64(ids[i])
			maskData[i] = 1
		} else {
			idData[i] = 0
			maskData[i] = 0
		}
	}

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}

	raw := outputTensor.GetData()
	out := make([]float32, nativeDim)
	copy(out, raw[:nativeDim])
	return out, nil
}

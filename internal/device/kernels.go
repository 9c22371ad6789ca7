package device

// Compute kernel sources, GLSL ES 3.20. All kernels launch one invocation
// per output element with workgroup size 1; reductions get their log-depth
// structure from the host-side drivers in ops.go, not from workgroup-local
// memory, so the summation order is fixed by the tree shape alone.

// xout[i] = Σ_j w[i*n + j + w_offset] * x[j + x_offset], dispatched d wide.
const srcMatMul = `#version 320 es
uniform int n;
uniform int x_offset;
uniform int w_offset;
layout(local_size_x = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } x;
layout(binding = 1) readonly buffer Input1 { float data[]; } w;
layout(binding = 2) writeonly buffer Output0 { float data[]; } xout;
void main() {
    int i = int(gl_GlobalInvocationID.x);
    float val = 0.0;
    for (int j = 0; j < n; j++) {
        val += w.data[i * n + j + w_offset] * x.data[j + x_offset];
    }
    xout.data[i] = val;
}`

// Fused first reduction pass: square each element and add pairs.
const srcRMSNormSquaresSum = `#version 320 es
uniform int insize;
layout(local_size_x = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) writeonly buffer Output0 { float data[]; } b;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    b.data[idx] = a.data[idx*2] * a.data[idx*2];
    if (idx*2+1 < insize) {
        b.data[idx] += a.data[idx*2+1] * a.data[idx*2+1];
    }
}`

// One pairwise-sum pass over a grid of independent rows. insize is the row
// length read, shape0 the row length written; an odd trailing element
// passes through.
const srcSum = `#version 320 es
uniform int insize;
uniform int shape0;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) writeonly buffer Output0 { float data[]; } b;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    b.data[idx + shape0*idy] = a.data[insize*idy + idx*2];
    if (idx*2+1 < insize) {
        b.data[idx + shape0*idy] += a.data[insize*idy + idx*2 + 1];
    }
}`

const srcMax = `#version 320 es
uniform int insize;
uniform int shape0;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) writeonly buffer Output0 { float data[]; } b;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    if (idx*2+1 < insize) {
        b.data[idx + shape0*idy] = max(a.data[insize*idy + idx*2], a.data[insize*idy + idx*2+1]);
    } else {
        b.data[idx + shape0*idy] = a.data[insize*idy + idx*2];
    }
}`

const srcArgmaxSetIndex = `#version 320 es
uniform int insize;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) writeonly buffer Output0 { float data[]; } a_index;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    a_index.data[idx + insize*idy] = float(idx);
}`

// Pairwise argmax pass carrying the surviving element's index. The left
// element wins ties, so the reduction resolves equal maxima toward the
// smaller index.
const srcArgmax = `#version 320 es
uniform int insize;
uniform int shape0;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) readonly buffer Input1 { float data[]; } a_index;
layout(binding = 2) writeonly buffer Output0 { float data[]; } b;
layout(binding = 3) writeonly buffer Output1 { float data[]; } b_index;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    if (idx*2+1 < insize) {
        float v0 = a.data[insize*idy + idx*2];
        float v1 = a.data[insize*idy + idx*2+1];
        if (v0 >= v1) {
            b.data[idx + shape0*idy] = v0;
            b_index.data[idx + shape0*idy] = a_index.data[insize*idy + idx*2];
        } else {
            b.data[idx + shape0*idy] = v1;
            b_index.data[idx + shape0*idy] = a_index.data[insize*idy + idx*2 + 1];
        }
    } else {
        b.data[idx + shape0*idy] = a.data[insize*idy + idx*2];
        b_index.data[idx + shape0*idy] = a_index.data[insize*idy + idx*2];
    }
}`

// Fused exp(x - rowmax) and first pairwise-add pass, per row.
const srcSoftmaxExpSum = `#version 320 es
uniform int insize;
uniform int shape0;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } a;
layout(binding = 1) readonly buffer Input1 { float data[]; } maxVal_arr;
layout(binding = 2) writeonly buffer Output0 { float data[]; } b;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    int i0 = idx*2 + insize*idy;
    int i1 = i0 + 1;
    float max_val = maxVal_arr.data[idy];
    b.data[idx + shape0*idy] = exp(a.data[i0] - max_val);
    if (idx*2+1 < insize) {
        b.data[idx + shape0*idy] += exp(a.data[i1] - max_val);
    }
}`

const srcSoftmaxNormalize = `#version 320 es
uniform int shape0;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } sum_arr;
layout(binding = 1) readonly buffer Input1 { float data[]; } maxVal_arr;
layout(binding = 2) buffer Input2 { float data[]; } x;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int idy = int(gl_GlobalInvocationID.y);
    x.data[idx + shape0*idy] = exp(x.data[idx + shape0*idy] - maxVal_arr.data[idy]) / sum_arr.data[idy];
}`

// Reads the reduced sum of squares and applies g = 1/sqrt(ss/size + eps),
// scaled by the gain slice at weight_offset.
const srcRMSNormScale = `#version 320 es
uniform int size;
uniform int weight_offset;
layout(local_size_x = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } ss_arr;
layout(binding = 1) readonly buffer Input1 { float data[]; } weight;
layout(binding = 2) readonly buffer Input2 { float data[]; } x;
layout(binding = 3) writeonly buffer Output0 { float data[]; } o;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    float ss = ss_arr.data[0];
    ss /= float(size);
    ss += 0.00001;
    ss = 1.0 / sqrt(ss);
    o.data[idx] = weight.data[idx + weight_offset] * (ss * x.data[idx]);
}`

// In-place variant for the final norm where output aliases input.
const srcRMSNormScaleInPlace = `#version 320 es
uniform int size;
uniform int weight_offset;
layout(local_size_x = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } ss_arr;
layout(binding = 1) readonly buffer Input1 { float data[]; } weight;
layout(binding = 2) buffer Output0 { float data[]; } o;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    float ss = ss_arr.data[0];
    ss /= float(size);
    ss += 0.00001;
    ss = 1.0 / sqrt(ss);
    o.data[idx] = weight.data[idx + weight_offset] * (ss * o.data[idx]);
}`

const srcAccum = `#version 320 es
layout(local_size_x = 1) in;
layout(binding = 0) buffer Input0 { float data[]; } a;
layout(binding = 1) readonly buffer Input1 { float data[]; } b;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    a.data[idx] = a.data[idx] + b.data[idx];
}`

// Rotates adjacent (even, odd) pairs of q and k by the precomputed complex
// factor for this position. Q and K bind at distinct slots 2 and 3.
const srcRope = `#version 320 es
uniform int pos;
uniform int dim;
uniform int freq_cis_idx_delta;
uniform int head_size;
layout(local_size_x = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } freq_cis_real;
layout(binding = 1) readonly buffer Input1 { float data[]; } freq_cis_imag;
layout(binding = 2) buffer Input2 { float data[]; } q;
layout(binding = 3) buffer Input3 { float data[]; } k;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    int i = idx * 2;
    float q0 = q.data[i];
    float q1 = q.data[i+1];
    float k0 = k.data[i];
    float k1 = k.data[i+1];
    float fcr = freq_cis_real.data[freq_cis_idx_delta + (i % head_size) / 2];
    float fci = freq_cis_imag.data[freq_cis_idx_delta + (i % head_size) / 2];
    q.data[i]   = q0 * fcr - q1 * fci;
    q.data[i+1] = q0 * fci + q1 * fcr;
    k.data[i]   = k0 * fcr - k1 * fci;
    k.data[i+1] = k0 * fci + k1 * fcr;
}`

// att[h*seq_len + t] = q_h · K[layer, t, h] / sqrt(head_size), dispatched
// (n_heads, pos+1).
const srcAttentionScores = `#version 320 es
uniform int seq_len;
uniform int pos;
uniform int head_size;
uniform int dim;
uniform int layer_idx;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } q;
layout(binding = 1) readonly buffer Input1 { float data[]; } k;
layout(binding = 2) writeonly buffer Output0 { float data[]; } att;
void main() {
    int h = int(gl_GlobalInvocationID.x);
    int t = int(gl_GlobalInvocationID.y);
    int loff = layer_idx * seq_len * dim;
    int q_offset = h * head_size;
    int att_offset = h * seq_len;
    int k_offset = loff + t * dim + h * head_size;
    float score = 0.0;
    for (int i = 0; i < head_size; i++) {
        score += q.data[i + q_offset] * k.data[i + k_offset];
    }
    score /= sqrt(float(head_size));
    att.data[t + att_offset] = score;
}`

// Stages attMat[(h*head_size + i)*(pos+1) + t] = att[h,t] * V[layer, t, h, i]
// so the weighted value sum is a contiguous reduction along t.
const srcBuildAttMat = `#version 320 es
uniform int seq_len;
uniform int pos;
uniform int head_size;
uniform int dim;
uniform int layer_idx;
layout(local_size_x = 1, local_size_y = 1, local_size_z = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } value_cache;
layout(binding = 1) readonly buffer Input1 { float data[]; } att;
layout(binding = 2) writeonly buffer Output0 { float data[]; } attMat;
void main() {
    int h = int(gl_GlobalInvocationID.x);
    int i = int(gl_GlobalInvocationID.y);
    int t = int(gl_GlobalInvocationID.z);
    int loff = layer_idx * seq_len * dim;
    int att_offset = h * seq_len;
    int v_offset = loff + t * dim + h * head_size;
    float a = att.data[t + att_offset];
    attMat.data[(h*head_size + i)*(pos+1) + t] = a * value_cache.data[i + v_offset];
}`

// The generic softmax wants contiguous rows; these two repack the
// seq_len-strided attention rows into a dense n_heads x (pos+1) scratch
// and back.
const srcSoftmaxPack = `#version 320 es
uniform int seq_len;
uniform int pos;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } src;
layout(binding = 1) writeonly buffer Output0 { float data[]; } dst;
void main() {
    int h = int(gl_GlobalInvocationID.x);
    int t = int(gl_GlobalInvocationID.y);
    dst.data[h*(pos+1) + t] = src.data[h*seq_len + t];
}`

const srcSoftmaxUnpack = `#version 320 es
uniform int seq_len;
uniform int pos;
layout(local_size_x = 1, local_size_y = 1) in;
layout(binding = 0) readonly buffer Input0 { float data[]; } src;
layout(binding = 1) writeonly buffer Output0 { float data[]; } dst;
void main() {
    int h = int(gl_GlobalInvocationID.x);
    int t = int(gl_GlobalInvocationID.y);
    dst.data[h*seq_len + t] = src.data[h*(pos+1) + t];
}`

// hb[i] = silu(hb[i]) * hb2[i], the SwiGLU gate.
const srcSiluMul = `#version 320 es
layout(local_size_x = 1) in;
layout(binding = 0) buffer Input0 { float data[]; } hb;
layout(binding = 1) readonly buffer Input1 { float data[]; } hb2;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    float v = hb.data[idx];
    v = v * (1.0 / (1.0 + exp(-v)));
    v = v * hb2.data[idx];
    hb.data[idx] = v;
}`

const srcTemperature = `#version 320 es
uniform float temperature;
layout(local_size_x = 1) in;
layout(binding = 0) buffer Input0 { float data[]; } logit;
void main() {
    int idx = int(gl_GlobalInvocationID.x);
    logit.data[idx] /= temperature;
}`

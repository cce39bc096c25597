package design

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fftKernelThreshold is the kernel length above which frequency-domain
// convolution beats the direct sum.
const fftKernelThreshold = 64

// convolve returns the linear convolution of x with kernel, truncated to
// len(x) samples. Oversampled HRF kernels run to a few hundred taps, so
// the frequency-domain path is the common case.
func convolve(x, kernel []float64) []float64 {
	if len(x) == 0 || len(kernel) == 0 {
		return make([]float64, len(x))
	}
	if len(kernel) < fftKernelThreshold {
		return convolveDirect(x, kernel)
	}
	return convolveFFT(x, kernel)
}

func convolveDirect(x, kernel []float64) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		var sum float64
		for j, k := range kernel {
			if j > i {
				break
			}
			sum += x[i-j] * k
		}
		out[i] = sum
	}
	return out
}

// convolveFFT multiplies the spectra of zero-padded copies of x and kernel.
// The transform length is the next power of two covering the full linear
// convolution so no circular wrap-around reaches the retained samples.
func convolveFFT(x, kernel []float64) []float64 {
	full := len(x) + len(kernel) - 1
	m := nextPow2(full)

	fft := fourier.NewFFT(m)

	padX := make([]float64, m)
	copy(padX, x)
	padK := make([]float64, m)
	copy(padK, kernel)

	coefX := fft.Coefficients(nil, padX)
	coefK := fft.Coefficients(nil, padK)
	for i := range coefX {
		coefX[i] *= coefK[i]
	}

	seq := fft.Sequence(nil, coefX)

	// The inverse transform is unnormalized: divide by the length.
	out := make([]float64, len(x))
	scale := 1 / float64(m)
	for i := range out {
		out[i] = seq[i] * scale
	}
	return out
}

func nextPow2(n int) int {
	m := 1
	for m < n {
		m <<= 1
	}
	return m
}
